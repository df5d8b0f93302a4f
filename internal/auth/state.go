package auth

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase is the position of a session in the login/refresh lifecycle.
type Phase int

const (
	PhaseAnonymous Phase = iota
	PhaseAuthenticating
	PhaseAuthenticated
	PhaseRefreshing
)

var phaseNames = [...]string{"anonymous", "authenticating", "authenticated", "refreshing"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// hasTokens reports whether a session in this phase holds an ID token.
func (p Phase) hasTokens() bool {
	return p == PhaseAuthenticated || p == PhaseRefreshing
}

// User is received from the identity provider or the backend and never
// built locally. Identities is kept verbatim.
type User struct {
	ID         string            `json:"id"`
	Aud        string            `json:"aud,omitempty"`
	Name       string            `json:"name,omitempty"`
	Email      string            `json:"email"`
	CreatedAt  string            `json:"created_at,omitempty"`
	UpdatedAt  string            `json:"updated_at,omitempty"`
	Identities []json.RawMessage `json:"identities,omitempty"`
}

// Organization as returned by the backend.
type Organization struct {
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// State is everything held for one browser session.
//
// IDToken is non-empty exactly when IsAuthenticated is true, and that is
// exactly when Phase is authenticated or refreshing. Reduce maintains this.
type State struct {
	Phase               Phase          `json:"phase"`
	User                *User          `json:"user"`
	IDToken             string         `json:"idToken,omitempty"`
	RefreshToken        string         `json:"refreshToken,omitempty"`
	ExpiresAt           time.Time      `json:"expiresAt,omitzero"`
	IsAuthenticated     bool           `json:"isAuthenticated"`
	Loading             bool           `json:"loading"`
	Error               string         `json:"error,omitempty"`
	CurrentOrganization *Organization  `json:"currentOrganization"`
	Organizations       []Organization `json:"organizations"`
	CurrentExperimentID string         `json:"currentExperimentId,omitempty"`
	Latitude            *float64       `json:"latitude"`
	Longitude           *float64       `json:"longitude"`
}

// Public returns a copy safe to send to the browser: the refresh token
// never leaves the gateway.
func (s State) Public() State {
	s.RefreshToken = ""
	return s
}

// CheckInvariant returns an error if the token/authentication/phase
// triple is inconsistent.
func (s State) CheckInvariant() error {
	hasToken := s.IDToken != ""
	if hasToken != s.IsAuthenticated || s.IsAuthenticated != s.Phase.hasTokens() {
		return fmt.Errorf("inconsistent auth state: phase=%s authenticated=%t id_token=%t",
			s.Phase, s.IsAuthenticated, hasToken)
	}
	return nil
}

// FindOrganization looks up a loaded organization by ID.
func (s State) FindOrganization(orgID string) (Organization, bool) {
	for _, o := range s.Organizations {
		if o.OrgID == orgID {
			return o, true
		}
	}
	return Organization{}, false
}
