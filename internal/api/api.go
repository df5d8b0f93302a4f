// Package api serves the browser-facing proxy routes. Each handler checks
// its method, validates input, forwards one call upstream with the
// caller's bearer token and maps the outcome onto the error taxonomy.
package api

import (
	stderrors "errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/felixgeelhaar/labgate/internal/auth"
	"github.com/felixgeelhaar/labgate/internal/backend"
	"github.com/felixgeelhaar/labgate/internal/completion"
	"github.com/felixgeelhaar/labgate/internal/errors"
	"github.com/felixgeelhaar/labgate/internal/log"
	"github.com/felixgeelhaar/labgate/internal/metrics"
	"github.com/felixgeelhaar/labgate/internal/respond"
)

// Options wires a Handler.
type Options struct {
	Backend *backend.Client
	// Completion may be nil when autocomplete is not configured.
	Completion *completion.Client
	Manager    *auth.Manager
	Sessions   *auth.SessionManager

	// ELNTimeout caps document generation (default: 10 minutes).
	ELNTimeout time.Duration
	// RateLimit and Burst bound autocomplete calls per client. A zero
	// RateLimit disables limiting.
	RateLimit float64
	Burst     int

	// Lookup reads the auth-config variables (default: os.LookupEnv).
	Lookup func(string) (string, bool)

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// Handler serves the /api routes.
type Handler struct {
	backend    *backend.Client
	completion *completion.Client
	manager    *auth.Manager
	sessions   *auth.SessionManager
	elnTimeout time.Duration
	limiter    *clientLimiter
	lookup     func(string) (string, bool)
	logger     *log.Logger
	metrics    *metrics.Metrics
}

// New creates the API handler.
func New(opts Options) *Handler {
	if opts.ELNTimeout == 0 {
		opts.ELNTimeout = 10 * time.Minute
	}
	if opts.Lookup == nil {
		opts.Lookup = os.LookupEnv
	}
	if opts.Logger == nil {
		opts.Logger = log.DefaultLogger()
	}
	return &Handler{
		backend:    opts.Backend,
		completion: opts.Completion,
		manager:    opts.Manager,
		sessions:   opts.Sessions,
		elnTimeout: opts.ELNTimeout,
		limiter:    newClientLimiter(opts.RateLimit, opts.Burst),
		lookup:     opts.Lookup,
		logger:     opts.Logger.With("component", "api"),
		metrics:    opts.Metrics,
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r *mux.Router) {
	h.route(r, "/api/auth-config", "auth_config", h.handleAuthConfig)
	h.route(r, "/api/auth/login", "login", h.handleLogin)
	h.route(r, "/api/users/{email}", "update_user", h.handleUpdateUser)
	h.route(r, "/api/organizations", "organizations", h.handleOrganizations)
	h.route(r, "/api/register", "register", h.handleRegister)
	h.route(r, "/api/organizations/{orgId}/experiments/{id}/generate-eln", "generate_eln", h.handleGenerateELN)
	h.route(r, "/api/organizations/{orgId}/experiments/{id}/summary", "experiment_summary", h.handleSummary)
	h.route(r, "/api/autocomplete", "autocomplete", h.handleAutocomplete)
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (h *Handler) route(r *mux.Router, path, name string, fn http.HandlerFunc) {
	r.HandleFunc(path, func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		fn(rec, req)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		h.metrics.ObserveProxy(name, rec.status, time.Since(start))
	}).Name(name)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.metrics.Error(string(errors.CodeOf(err)), "api")
	h.logger.LogError(r.Context(), msg, err)
	respond.Error(w, err)
}

// bearer returns the token forwarded upstream.
func (h *Handler) bearer(r *http.Request) string {
	return h.manager.Container().BearerToken(r)
}

// upstreamError maps a backend failure. A 404 gets notFound as its
// message; other statuses are forwarded; anything else is a generic 500.
func upstreamError(err error, notFound string) error {
	var up *backend.UpstreamError
	if stderrors.As(err, &up) {
		if up.Status == http.StatusNotFound {
			return errors.NewUpstreamNotFoundError(notFound, err)
		}
		return errors.NewUpstreamError(up.Status, up.Message, err)
	}
	return errors.NewUnknownError(err)
}
