package auth

import (
	stderrors "errors"
	"math"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/felixgeelhaar/labgate/internal/errors"
	"github.com/felixgeelhaar/labgate/internal/log"
	"github.com/felixgeelhaar/labgate/internal/respond"
)

// Handlers serves the login flow and the session endpoints.
type Handlers struct {
	manager  *Manager
	sessions *SessionManager
	appURL   string
	logger   *log.Logger
}

// NewHandlers creates new authentication HTTP handlers. appURL is where
// the browser is sent after a completed login.
func NewHandlers(manager *Manager, sessions *SessionManager, appURL string, logger *log.Logger) *Handlers {
	if appURL == "" {
		appURL = "/"
	}
	if logger == nil {
		logger = log.DefaultLogger()
	}
	return &Handlers{manager: manager, sessions: sessions, appURL: appURL, logger: logger}
}

// Register mounts the handlers on r.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/auth/login", h.HandleLogin)
	r.HandleFunc("/auth/callback", h.HandleCallback)
	r.HandleFunc("/auth/refresh", h.HandleRefresh)
	r.HandleFunc("/auth/logout", h.HandleLogout)
	r.HandleFunc("/auth/session", h.HandleSession)
	r.HandleFunc("/api/session/organization", h.HandleOrganization)
	r.HandleFunc("/api/session/experiment", h.HandleExperiment)
	r.HandleFunc("/api/session/location", h.HandleLocation)
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	err = toGatewayError(err)
	h.logger.LogError(r.Context(), msg, err)
	respond.Error(w, err)
}

// HandleLogin redirects to the hosted authorization endpoint.
//
// GET /auth/login
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respond.MethodNotAllowed(w, http.MethodGet)
		return
	}
	url, err := h.manager.BeginLogin()
	if err != nil {
		h.fail(w, r, "login initiation failed", err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// HandleCallback completes the hosted login.
//
// GET /auth/callback?code=...&state=...
// GET /auth/callback?error=...&error_description=...
//
// The same code is exchanged at most once; a replay gets 409.
func (h *Handlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respond.MethodNotAllowed(w, http.MethodGet)
		return
	}

	q := r.URL.Query()
	if idpErr := q.Get("error"); idpErr != "" {
		msg := idpErr
		if desc := q.Get("error_description"); desc != "" {
			msg = idpErr + ": " + desc
		}
		h.fail(w, r, "identity provider returned an error", errors.NewValidationError(msg))
		return
	}
	code := q.Get("code")
	if code == "" {
		h.fail(w, r, "callback without code", errors.NewMissingFieldError("code"))
		return
	}

	id, err := h.manager.CompleteLogin(r.Context(), code, q.Get("state"))
	if id != "" {
		if cerr := h.sessions.SetCookie(w, id); cerr != nil {
			h.fail(w, r, "failed to set session cookie", cerr)
			return
		}
	}
	if err != nil {
		h.fail(w, r, "login callback failed", err)
		return
	}

	if wantsJSON(r) {
		st, err := h.manager.Container().Get(r.Context(), id)
		if err != nil {
			h.fail(w, r, "failed to load session", err)
			return
		}
		respond.JSON(w, http.StatusOK, st.Public())
		return
	}
	http.Redirect(w, r, h.appURL, http.StatusFound)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// HandleRefresh refreshes the session's tokens now.
//
// POST /auth/refresh
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respond.MethodNotAllowed(w, http.MethodPost)
		return
	}
	id := SessionID(r.Context())
	st, err := h.manager.Refresh(r.Context(), id)
	if err != nil {
		if !stderrors.Is(err, ErrSessionNotFound) && !stderrors.Is(err, ErrNotAuthenticated) {
			err = errors.Wrap(errors.ErrCodeUnauthorized, MsgSessionExpired, err)
		}
		h.fail(w, r, "token refresh failed", err)
		return
	}
	respond.JSON(w, http.StatusOK, st.Public())
}

// HandleLogout ends the session. It always succeeds.
//
// POST /auth/logout
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respond.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if err := h.manager.Logout(r.Context(), SessionID(r.Context())); err != nil {
		h.logger.WithError(err).Warn("logout cleanup failed")
	}
	h.sessions.ClearCookie(w)
	respond.JSON(w, http.StatusOK, State{}.Public())
}

// HandleSession returns the browser-visible state. Requests without a
// session get the anonymous state.
//
// GET /auth/session
func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respond.MethodNotAllowed(w, http.MethodGet)
		return
	}
	st, err := h.manager.Container().Get(r.Context(), SessionID(r.Context()))
	if err != nil && !stderrors.Is(err, ErrSessionNotFound) {
		h.fail(w, r, "failed to load session", err)
		return
	}
	respond.JSON(w, http.StatusOK, st.Public())
}

// authenticated loads the session and requires it to be signed in.
func (h *Handlers) authenticated(r *http.Request) (string, State, error) {
	id := SessionID(r.Context())
	st, err := h.manager.Container().Get(r.Context(), id)
	if err != nil {
		return "", State{}, err
	}
	if !st.IsAuthenticated {
		return "", State{}, ErrNotAuthenticated
	}
	return id, st, nil
}

func (h *Handlers) dispatch(w http.ResponseWriter, r *http.Request, id string, a Action) {
	st, err := h.manager.Container().Dispatch(r.Context(), id, a)
	if err != nil {
		h.fail(w, r, "session update failed", err)
		return
	}
	respond.JSON(w, http.StatusOK, st.Public())
}

// HandleOrganization selects or clears the current organization.
//
// PUT /api/session/organization {"org_id": "..."}
// DELETE /api/session/organization
func (h *Handlers) HandleOrganization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodDelete {
		respond.MethodNotAllowed(w, http.MethodPut, http.MethodDelete)
		return
	}
	id, st, err := h.authenticated(r)
	if err != nil {
		h.fail(w, r, "organization selection rejected", err)
		return
	}

	if r.Method == http.MethodDelete {
		h.dispatch(w, r, id, OrganizationCleared{})
		return
	}

	var body struct {
		OrgID string `json:"org_id"`
	}
	if err := respond.Decode(r, &body); err != nil {
		h.fail(w, r, "invalid organization selection", err)
		return
	}
	orgID := strings.TrimSpace(body.OrgID)
	if orgID == "" {
		h.fail(w, r, "invalid organization selection", errors.NewMissingFieldError("org_id"))
		return
	}
	org, ok := st.FindOrganization(orgID)
	if !ok {
		h.fail(w, r, "unknown organization", errors.New(errors.ErrCodeNotFound, "Organization not found"))
		return
	}
	h.dispatch(w, r, id, OrganizationSelected{Organization: org})
}

// HandleExperiment records the experiment being worked on.
//
// PUT /api/session/experiment {"experiment_id": "..."}
func (h *Handlers) HandleExperiment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		respond.MethodNotAllowed(w, http.MethodPut)
		return
	}
	id, _, err := h.authenticated(r)
	if err != nil {
		h.fail(w, r, "experiment selection rejected", err)
		return
	}
	var body struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := respond.Decode(r, &body); err != nil {
		h.fail(w, r, "invalid experiment selection", err)
		return
	}
	expID := strings.TrimSpace(body.ExperimentID)
	if expID == "" {
		h.fail(w, r, "invalid experiment selection", errors.NewMissingFieldError("experiment_id"))
		return
	}
	h.dispatch(w, r, id, ExperimentSelected{ExperimentID: expID})
}

// HandleLocation records the device location.
//
// PUT /api/session/location {"latitude": 52.5, "longitude": 13.4}
func (h *Handlers) HandleLocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		respond.MethodNotAllowed(w, http.MethodPut)
		return
	}
	id, _, err := h.authenticated(r)
	if err != nil {
		h.fail(w, r, "location update rejected", err)
		return
	}
	var body struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := respond.Decode(r, &body); err != nil {
		h.fail(w, r, "invalid location", err)
		return
	}
	if err := validateLocation(body.Latitude, body.Longitude); err != nil {
		h.fail(w, r, "invalid location", err)
		return
	}
	h.dispatch(w, r, id, LocationUpdated{Latitude: *body.Latitude, Longitude: *body.Longitude})
}

func validateLocation(lat, lng *float64) error {
	switch {
	case lat == nil:
		return errors.NewMissingFieldError("latitude")
	case lng == nil:
		return errors.NewMissingFieldError("longitude")
	case math.IsNaN(*lat) || *lat < -90 || *lat > 90:
		return errors.NewValidationError("latitude must be between -90 and 90")
	case math.IsNaN(*lng) || *lng < -180 || *lng > 180:
		return errors.NewValidationError("longitude must be between -180 and 180")
	}
	return nil
}
