package auth

import "time"

// Action is a state transition request applied by Reduce.
type Action interface {
	ActionName() string
}

type (
	LoginStarted   struct{}
	LoginSucceeded struct {
		User         *User
		IDToken      string
		RefreshToken string
		ExpiresAt    time.Time
	}
	LoginFailed struct{ Err string }

	RefreshStarted   struct{}
	RefreshSucceeded struct {
		IDToken string
		// RefreshToken is kept unchanged when empty.
		RefreshToken string
		ExpiresAt    time.Time
	}
	RefreshFailed struct{ Err string }

	LoggedOut struct{}

	OrganizationsLoaded  struct{ Organizations []Organization }
	OrganizationSelected struct{ Organization Organization }
	OrganizationCleared  struct{}
	ExperimentSelected   struct{ ExperimentID string }
	LocationUpdated      struct{ Latitude, Longitude float64 }
)

func (LoginStarted) ActionName() string         { return "login_started" }
func (LoginSucceeded) ActionName() string       { return "login_succeeded" }
func (LoginFailed) ActionName() string          { return "login_failed" }
func (RefreshStarted) ActionName() string       { return "refresh_started" }
func (RefreshSucceeded) ActionName() string     { return "refresh_succeeded" }
func (RefreshFailed) ActionName() string        { return "refresh_failed" }
func (LoggedOut) ActionName() string            { return "logged_out" }
func (OrganizationsLoaded) ActionName() string  { return "organizations_loaded" }
func (OrganizationSelected) ActionName() string { return "organization_selected" }
func (OrganizationCleared) ActionName() string  { return "organization_cleared" }
func (ExperimentSelected) ActionName() string   { return "experiment_selected" }
func (LocationUpdated) ActionName() string      { return "location_updated" }

const errMissingIDToken = "identity provider returned no ID token"

// anonymousWith drops every authenticated field, keeping only the
// device location, and records msg as the error.
func anonymousWith(s State, msg string) State {
	return State{
		Phase:     PhaseAnonymous,
		Error:     msg,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
	}
}

// Reduce is the only place State changes. It never fails: actions that do
// not apply to the current phase return s unchanged.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case LoginStarted:
		if s.Phase.hasTokens() {
			return s
		}
		s.Phase = PhaseAuthenticating
		s.Loading = true
		s.Error = ""
		return s

	case LoginSucceeded:
		if a.IDToken == "" {
			return anonymousWith(s, errMissingIDToken)
		}
		s.Phase = PhaseAuthenticated
		s.User = a.User
		s.IDToken = a.IDToken
		s.RefreshToken = a.RefreshToken
		s.ExpiresAt = a.ExpiresAt
		s.IsAuthenticated = true
		s.Loading = false
		s.Error = ""
		return s

	case LoginFailed:
		return anonymousWith(s, a.Err)

	case RefreshStarted:
		if s.Phase != PhaseAuthenticated {
			return s
		}
		s.Phase = PhaseRefreshing
		return s

	case RefreshSucceeded:
		if !s.Phase.hasTokens() {
			return s
		}
		if a.IDToken == "" {
			return anonymousWith(s, errMissingIDToken)
		}
		s.Phase = PhaseAuthenticated
		s.IDToken = a.IDToken
		if a.RefreshToken != "" {
			s.RefreshToken = a.RefreshToken
		}
		s.ExpiresAt = a.ExpiresAt
		s.Error = ""
		return s

	case RefreshFailed:
		if !s.Phase.hasTokens() {
			return s
		}
		return anonymousWith(s, a.Err)

	case LoggedOut:
		return State{}

	case OrganizationsLoaded:
		if !s.IsAuthenticated {
			return s
		}
		s.Organizations = append([]Organization(nil), a.Organizations...)
		if s.CurrentOrganization != nil {
			if org, ok := s.FindOrganization(s.CurrentOrganization.OrgID); ok {
				s.CurrentOrganization = &org
			} else {
				s.CurrentOrganization = nil
			}
		}
		return s

	case OrganizationSelected:
		if !s.IsAuthenticated {
			return s
		}
		org := a.Organization
		s.CurrentOrganization = &org
		return s

	case OrganizationCleared:
		s.CurrentOrganization = nil
		return s

	case ExperimentSelected:
		if !s.IsAuthenticated {
			return s
		}
		s.CurrentExperimentID = a.ExperimentID
		return s

	case LocationUpdated:
		lat, lng := a.Latitude, a.Longitude
		s.Latitude, s.Longitude = &lat, &lng
		return s
	}
	return s
}
