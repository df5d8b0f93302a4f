package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/labgate/internal/api"
	"github.com/felixgeelhaar/labgate/internal/auth"
	"github.com/felixgeelhaar/labgate/internal/auth/oidc"
	"github.com/felixgeelhaar/labgate/internal/backend"
	"github.com/felixgeelhaar/labgate/internal/completion"
	"github.com/felixgeelhaar/labgate/internal/config"
	"github.com/felixgeelhaar/labgate/internal/health"
	"github.com/felixgeelhaar/labgate/internal/log"
	"github.com/felixgeelhaar/labgate/internal/metrics"
	"github.com/felixgeelhaar/labgate/internal/server"
	"github.com/felixgeelhaar/labgate/internal/storage"
	"github.com/felixgeelhaar/labgate/internal/telemetry"
	"github.com/felixgeelhaar/labgate/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the gateway HTTP server.

Routes:
  /auth/*         - hosted sign-in, refresh, logout and session state
  /api/*          - backend and completion proxies
  /health/live    - Liveness probe (process alive and responsive)
  /health/ready   - Readiness probe (backend and session store reachable)
  /health/startup - Startup probe (finished initialization)
  /healthz        - Backward-compatible readiness endpoint
  /metrics        - Prometheus metrics

The server drains connections and stops every refresh timer when it
receives SIGTERM or SIGINT.

Example:
  # Start with ~/.labgate/config.yaml
  labgate serve

  # Override the listen address
  labgate serve --address :9090`,
	RunE: runServe,
}

var (
	serveAddress         string
	serveShutdownTimeout time.Duration
	serveReadTimeout     time.Duration
	serveWriteTimeout    time.Duration
	serveIdleTimeout     time.Duration
	serveJanitorEvery    time.Duration
	serveDevelopmentLog  bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "address to listen on (overrides server.address)")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Second, "maximum time to wait for connections to drain during shutdown")
	serveCmd.Flags().DurationVar(&serveReadTimeout, "read-timeout", 15*time.Second, "maximum duration for reading the entire request")
	serveCmd.Flags().DurationVar(&serveWriteTimeout, "write-timeout", 11*time.Minute, "maximum duration before timing out writes of the response")
	serveCmd.Flags().DurationVar(&serveIdleTimeout, "idle-timeout", 60*time.Second, "maximum amount of time to wait for the next request")
	serveCmd.Flags().DurationVar(&serveJanitorEvery, "cleanup-interval", 5*time.Minute, "how often expired sessions and code markers are removed")
	serveCmd.Flags().BoolVar(&serveDevelopmentLog, "dev", false, "log at debug level as text")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg, serveDevelopmentLog)
	if err != nil {
		return err
	}
	log.SetDefaultLogger(logger)

	info := version.GetInfo()
	shutdownTracing, err := telemetry.InitProvider(ctx, telemetry.Config{
		ServiceName:    "labgate",
		ServiceVersion: info.Version,
		Environment:    "production",
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("failed to flush traces")
		}
	}()

	gw, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer gw.close()

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go auth.RunJanitor(janitorCtx, gw.store, serveJanitorEvery, logger)

	logger.Info("starting labgate",
		"version", info.Version,
		"address", cfg.Server.Address,
		"hosted_login", cfg.Identity.Enabled(),
		"autocomplete", cfg.Completion.URL != "",
		"persistent_sessions", cfg.Session.StorePath != "")

	serverErr := make(chan error, 1)
	go func() {
		if err := gw.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := gw.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// applyServeFlags overrides the file and environment with flags that were
// set explicitly.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Server.Address = serveAddress
	}
	if flags.Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout = serveShutdownTimeout
	}
	if flags.Changed("read-timeout") {
		cfg.Server.ReadTimeout = serveReadTimeout
	}
	if flags.Changed("write-timeout") {
		cfg.Server.WriteTimeout = serveWriteTimeout
	}
	if flags.Changed("idle-timeout") {
		cfg.Server.IdleTimeout = serveIdleTimeout
	}
}

func newLogger(cfg *config.Config, dev bool) (*log.Logger, error) {
	lc := log.DefaultConfig()
	if dev {
		lc = log.DevelopmentConfig()
	} else {
		level, err := log.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		lc.Level = level
		lc.Format = log.ParseFormat(cfg.Log.Format)
	}
	lc.ServiceVersion = version.GetInfo().Version
	return log.New(lc), nil
}

// gateway is every long-lived component serve wires together.
type gateway struct {
	server  *server.Server
	manager *auth.Manager
	store   auth.Store
	closers []func() error
	logger  *log.Logger
}

func (g *gateway) close() {
	if g.manager != nil {
		g.manager.Close()
	}
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			g.logger.WithError(err).Warn("failed to release resource")
		}
	}
}

// newGateway builds the stores, clients and handlers described by cfg.
// cfg must already be validated.
func newGateway(ctx context.Context, cfg *config.Config, logger *log.Logger) (_ *gateway, err error) {
	gw := &gateway{logger: logger}
	defer func() {
		if err != nil {
			gw.close()
		}
	}()

	info := version.GetInfo()
	reg, m := metrics.NewRegistry()
	pm := health.NewProbeManager(info.Version)

	if cfg.Session.StorePath != "" {
		db, err := storage.Open(ctx, cfg.Session.StorePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		gw.store = db
		gw.closers = append(gw.closers, db.Close)
	} else {
		gw.store = auth.NewMemoryStore()
	}
	pm.AddChecker(health.NewPingChecker("session-store", gw.store))

	var provider auth.IdentityProvider
	if cfg.Identity.Enabled() {
		p, err := oidc.NewProvider(ctx, oidc.Config{
			ClientID:     cfg.Identity.ClientID,
			ClientSecret: cfg.Identity.ClientSecret,
			Domain:       cfg.Identity.Domain,
			Region:       cfg.Identity.Region,
			UserPoolID:   cfg.Identity.UserPoolID,
			RedirectURL:  cfg.Identity.RedirectURL,
			Scopes:       cfg.Identity.Scopes,
			JWKSRefresh:  cfg.Identity.JWKSRefresh,
			Metrics:      m,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize identity provider: %w", err)
		}
		provider = p
		pm.AddChecker(health.NewOptionalPingChecker("identity-provider", p))
	} else {
		logger.Warn("hosted login disabled: identity provider is not configured")
	}

	container := auth.NewContainer(gw.store, cfg.Session.TTL)
	gw.manager = auth.NewManager(auth.ManagerConfig{
		Provider:      provider,
		Container:     container,
		Codes:         gw.store,
		RefreshMargin: cfg.Identity.RefreshMargin,
		Logger:        logger,
		Metrics:       m,
	})
	restored, err := gw.manager.Restore(ctx, gw.store)
	if err != nil {
		return nil, fmt.Errorf("failed to restore sessions: %w", err)
	}
	if restored > 0 {
		logger.Info("refresh timers restored", "sessions", restored)
	}

	backendClient, err := backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.RequestTimeout,
		Metrics: m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}
	pm.AddChecker(health.NewPingChecker("backend-api", backendClient))

	var completionClient *completion.Client
	if cfg.Completion.URL != "" {
		completionClient, err = completion.NewClient(completion.Config{
			URL:     cfg.Completion.URL,
			APIKey:  cfg.Completion.APIKey,
			Timeout: cfg.Completion.Timeout,
			Metrics: m,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create completion client: %w", err)
		}
	}

	signingKey, err := auth.DeriveSigningKey(cfg.Session.SigningKey)
	if err != nil {
		return nil, err
	}
	sessions := auth.NewSessionManager(signingKey, "labgate", cfg.Session.TTL, cfg.Server.SecureCookies)

	gw.server = server.NewServer(pm, server.Config{
		Address:         cfg.Server.Address,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		Middleware:      []mux.MiddlewareFunc{auth.LoadSession(sessions)},
		Routes: []server.Registrar{
			auth.NewHandlers(gw.manager, sessions, cfg.Server.AppURL, logger),
			api.New(api.Options{
				Backend:    backendClient,
				Completion: completionClient,
				Manager:    gw.manager,
				Sessions:   sessions,
				ELNTimeout: cfg.Backend.ELNTimeout,
				RateLimit:  cfg.Completion.RateLimit,
				Burst:      cfg.Completion.Burst,
				Logger:     logger,
				Metrics:    m,
			}),
		},
		Metrics: metrics.HandlerFor(reg),
		Logger:  logger,
	})
	return gw, nil
}
