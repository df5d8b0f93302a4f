package api

import (
	"context"
	stderrors "errors"
	"mime"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/felixgeelhaar/labgate/internal/auth"
	"github.com/felixgeelhaar/labgate/internal/backend"
	"github.com/felixgeelhaar/labgate/internal/errors"
	"github.com/felixgeelhaar/labgate/internal/respond"
)

// POST /api/auth/login {"email": "...", "password": "..."}
//
// A successful backend login also starts a session, the same as a
// completed hosted login.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respond.MethodNotAllowed(w, http.MethodPost)
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := respond.Decode(r, &body); err != nil {
		h.fail(w, r, "invalid login request", err)
		return
	}
	body.Email = strings.TrimSpace(body.Email)
	switch {
	case body.Email == "":
		h.fail(w, r, "invalid login request", errors.NewMissingFieldError("email"))
		return
	case body.Password == "":
		h.fail(w, r, "invalid login request", errors.NewMissingFieldError("password"))
		return
	}

	ctx := r.Context()
	resp, err := h.backend.Login(ctx, backend.LoginRequest{Email: body.Email, Password: body.Password})
	if err != nil {
		h.fail(w, r, "backend login failed", upstreamError(err, "User not found"))
		return
	}

	if resp.Authenticated && resp.AccessToken != "" {
		if err := h.startSession(w, r, resp); err != nil {
			h.fail(w, r, "failed to start session", err)
			return
		}
	}
	resp.RefreshToken = ""
	respond.JSON(w, http.StatusOK, resp)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, resp *backend.LoginResponse) error {
	ctx := r.Context()
	if old := auth.SessionID(ctx); old != "" {
		if err := h.manager.Logout(ctx, old); err != nil {
			h.logger.WithError(err).Warn("failed to end previous session", "session_id", old)
		}
	}

	expiresAt := auth.TokenExpiry(resp.AccessToken)
	if resp.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	id := auth.NewSessionID()
	if err := h.manager.StartSession(ctx, id, &auth.TokenSet{
		IDToken:      resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAt,
		User:         resp.User,
	}); err != nil {
		return err
	}
	return h.sessions.SetCookie(w, id)
}

// PUT /api/users/{email} {"name": "..."}
func (h *Handler) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		respond.MethodNotAllowed(w, http.MethodPut)
		return
	}
	email := strings.TrimSpace(mux.Vars(r)["email"])
	if email == "" {
		h.fail(w, r, "invalid user update", errors.NewMissingFieldError("email"))
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := respond.Decode(r, &body); err != nil {
		h.fail(w, r, "invalid user update", err)
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		h.fail(w, r, "invalid user update", errors.NewMissingFieldError("name"))
		return
	}

	out, err := h.backend.UpdateUser(r.Context(), h.bearer(r), email, name)
	if err != nil {
		h.fail(w, r, "user update failed", upstreamError(err, "User not found"))
		return
	}
	writeRaw(w, out)
}

// GET /api/organizations
// POST /api/organizations {"name": "..."}
func (h *Handler) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listOrganizations(w, r)
	case http.MethodPost:
		h.createOrganization(w, r)
	default:
		respond.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (h *Handler) listOrganizations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgs, err := h.backend.ListOrganizations(ctx, h.bearer(r))
	if err != nil {
		h.fail(w, r, "organization listing failed", upstreamError(err, "Organizations not found"))
		return
	}

	if id := auth.SessionID(ctx); id != "" {
		if st, err := h.manager.Container().Get(ctx, id); err == nil && st.IsAuthenticated {
			if _, err := h.manager.Container().Dispatch(ctx, id, auth.OrganizationsLoaded{Organizations: orgs}); err != nil {
				h.logger.WithError(err).Warn("failed to record organizations", "session_id", id)
			}
		}
	}
	respond.JSON(w, http.StatusOK, orgs)
}

func (h *Handler) createOrganization(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := respond.Decode(r, &body); err != nil {
		h.fail(w, r, "invalid organization", err)
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		h.fail(w, r, "invalid organization", errors.NewMissingFieldError("name"))
		return
	}

	out, err := h.backend.CreateOrganization(r.Context(), h.bearer(r), name)
	if err != nil {
		h.fail(w, r, "organization creation failed", upstreamError(err, "Organization not found"))
		return
	}
	writeRaw(w, out)
}

// POST /api/register {"email": "...", "orgId": "..."}
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respond.MethodNotAllowed(w, http.MethodPost)
		return
	}
	var body struct {
		Email string `json:"email"`
		OrgID string `json:"orgId"`
	}
	if err := respond.Decode(r, &body); err != nil {
		h.fail(w, r, "invalid registration", err)
		return
	}
	email, orgID, err := validateRegistration(body.Email, body.OrgID)
	if err != nil {
		h.fail(w, r, "invalid registration", err)
		return
	}

	out, err := h.backend.RegisterUser(r.Context(), h.bearer(r), email, orgID)
	if err != nil {
		h.fail(w, r, "registration failed", upstreamError(err, "Organization not found"))
		return
	}
	writeRaw(w, out)
}

func validateRegistration(email, orgID string) (string, string, error) {
	email, orgID = strings.TrimSpace(email), strings.TrimSpace(orgID)
	if email == "" {
		return "", "", errors.NewMissingFieldError("email")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return "", "", errors.NewValidationError("email is invalid")
	}
	if orgID == "" {
		return "", "", errors.NewMissingFieldError("orgId")
	}
	return email, orgID, nil
}

// POST /api/organizations/{orgId}/experiments/{id}/generate-eln {"send_email": true}
//
// The document is streamed back as an attachment. Generation is cut off
// after the ELN timeout with a 504.
func (h *Handler) handleGenerateELN(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respond.MethodNotAllowed(w, http.MethodPost)
		return
	}
	vars := mux.Vars(r)
	orgID, expID := strings.TrimSpace(vars["orgId"]), strings.TrimSpace(vars["id"])
	if orgID == "" || expID == "" {
		h.fail(w, r, "invalid ELN request", errors.NewValidationError("orgId and experiment id are required"))
		return
	}
	var body struct {
		SendEmail bool `json:"send_email"`
	}
	if err := respond.Decode(r, &body); err != nil {
		h.fail(w, r, "invalid ELN request", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.elnTimeout)
	defer cancel()

	doc, err := h.backend.GenerateELN(ctx, h.bearer(r), orgID, expID, body.SendEmail)
	if err != nil {
		switch {
		case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
			err = errors.NewTimeoutError("ELN generation timed out", err)
		case stderrors.Is(err, backend.ErrDocumentTooLarge):
			err = errors.NewUpstreamError(http.StatusBadGateway, "Generated document is too large", err)
		default:
			err = upstreamError(err, "Experiment not found")
		}
		h.fail(w, r, "ELN generation failed", err)
		return
	}

	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Data)
}

// GET /api/organizations/{orgId}/experiments/{id}/summary?scope=session&session_id=...
// GET /api/organizations/{orgId}/experiments/{id}/summary?scope=day&date=YYYY-MM-DD
func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respond.MethodNotAllowed(w, http.MethodGet)
		return
	}
	vars := mux.Vars(r)
	query, err := summaryQuery(r.URL.Query())
	if err != nil {
		h.fail(w, r, "invalid summary request", err)
		return
	}

	out, err := h.backend.ExperimentSummary(r.Context(), h.bearer(r), vars["orgId"], vars["id"], query)
	if err != nil {
		h.fail(w, r, "summary request failed", upstreamError(err, "Experiment not found"))
		return
	}
	writeRaw(w, out)
}

func summaryQuery(in url.Values) (url.Values, error) {
	scope := strings.TrimSpace(in.Get("scope"))
	switch scope {
	case "session":
		id := strings.TrimSpace(in.Get("session_id"))
		if id == "" {
			return nil, errors.NewValidationError("session_id is required when scope is session")
		}
		return url.Values{"scope": {scope}, "session_id": {id}}, nil
	case "day":
		date := strings.TrimSpace(in.Get("date"))
		if date == "" {
			return nil, errors.NewValidationError("date is required when scope is day")
		}
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			return nil, errors.NewValidationError("date must be formatted as YYYY-MM-DD")
		}
		return url.Values{"scope": {scope}, "date": {date}}, nil
	case "":
		return nil, errors.NewMissingFieldError("scope")
	default:
		return nil, errors.NewValidationError("scope must be session or day")
	}
}

// writeRaw forwards an upstream JSON body. An empty body becomes {}.
func writeRaw(w http.ResponseWriter, body []byte) {
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
