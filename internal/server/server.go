// Package server hosts the gateway's HTTP surface.
//
// It provides:
//   - Kubernetes-style health probes (liveness, readiness, startup)
//   - The Prometheus scrape endpoint
//   - Graceful shutdown with connection draining
//
// Feature routes are mounted by Registrars on a shared gorilla/mux router.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/felixgeelhaar/labgate/internal/errors"
	"github.com/felixgeelhaar/labgate/internal/health"
	"github.com/felixgeelhaar/labgate/internal/log"
	"github.com/felixgeelhaar/labgate/internal/respond"
)

// Registrar mounts a group of routes.
type Registrar interface {
	Register(r *mux.Router)
}

// Server provides HTTP server functionality with health endpoints.
type Server struct {
	httpServer      *http.Server
	router          *mux.Router
	probeManager    *health.ProbeManager
	inShutdown      atomic.Bool
	shutdownTimeout time.Duration
	logger          *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Address is the listen address (e.g., ":8080", "0.0.0.0:8080")
	Address string

	// ShutdownTimeout is the maximum time to wait for connections to drain during shutdown.
	// Defaults to 30 seconds if not specified.
	ShutdownTimeout time.Duration

	// ReadTimeout defaults to 10 seconds.
	ReadTimeout time.Duration

	// WriteTimeout must outlast the slowest proxied call (document
	// generation). Defaults to 11 minutes.
	WriteTimeout time.Duration

	// IdleTimeout defaults to 60 seconds.
	IdleTimeout time.Duration

	// Middleware runs, in order, for every route including health.
	Middleware []mux.MiddlewareFunc

	// Routes are mounted after the built-in endpoints.
	Routes []Registrar

	// Metrics serves /metrics when set.
	Metrics http.Handler

	Logger *log.Logger
}

// NewServer creates a new HTTP server with health endpoints.
func NewServer(probeManager *health.ProbeManager, cfg Config) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 11 * time.Minute
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.DefaultLogger()
	}

	s := &Server{
		probeManager:    probeManager,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger.With("component", "server"),
	}

	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respond.MethodNotAllowed(w)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respond.Error(w, errors.New(errors.ErrCodeNotFound, "Not found"))
	})
	for _, mw := range cfg.Middleware {
		r.Use(mw)
	}

	r.HandleFunc("/health/live", s.handleLiveness)
	r.HandleFunc("/health/ready", s.handleReadiness)
	r.HandleFunc("/health/startup", s.handleStartup)
	r.HandleFunc("/healthz", s.handleReadiness)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	for _, reg := range cfg.Routes {
		reg.Register(r)
	}
	s.router = r

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      otelhttp.NewHandler(r, "labgate", otelhttp.WithSpanNameFormatter(spanName)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// spanName names inbound spans after the matched route template so IDs
// in the path do not explode span cardinality.
func spanName(_ string, r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return r.Method + " " + tpl
		}
	}
	return r.Method + " " + r.URL.Path
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server.
// This is a blocking call that returns when the server is stopped or encounters an error.
// Returns http.ErrServerClosed when the server is shut down gracefully.
func (s *Server) Start() error {
	s.probeManager.MarkInitialized()
	s.logger.Info("listening", "address", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown performs graceful shutdown of the HTTP server.
//
// It:
//  1. Marks the server as shutting down (readiness probes will fail)
//  2. Disables HTTP keep-alives to stop accepting new requests
//  3. Waits for existing connections to drain (up to ShutdownTimeout)
//  4. Forces closure of any remaining connections after timeout
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.probeManager.MarkShutdown()

	s.httpServer.SetKeepAlivesEnabled(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	s.logger.Info("draining connections", "timeout", s.shutdownTimeout)
	return s.httpServer.Shutdown(shutdownCtx)
}

// IsShuttingDown returns whether the server is shutting down.
func (s *Server) IsShuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) writeProbeResponse(w http.ResponseWriter, result *health.ProbeResult, unhealthyStatus int) {
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = unhealthyStatus
	}
	respond.JSON(w, status, result)
}

// handleLiveness handles GET /health/live. It always returns 200, with a
// degraded status while draining.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respond.MethodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeProbeResponse(w, s.probeManager.CheckLiveness(r.Context()), http.StatusOK)
}

// handleReadiness handles GET /health/ready.
//
// Returns:
//   - 200 OK with JSON: ready to serve requests
//   - 503 Service Unavailable with JSON: shutting down or a required dependency is down
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respond.MethodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeProbeResponse(w, s.probeManager.CheckReadiness(r.Context()), http.StatusServiceUnavailable)
}

// handleStartup handles GET /health/startup. It returns 503 until Start
// has been called.
func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respond.MethodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeProbeResponse(w, s.probeManager.CheckStartup(r.Context()), http.StatusServiceUnavailable)
}
