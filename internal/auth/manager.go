// Package auth owns browser sessions: the auth state reducer and its
// per-session container, hosted-UI login with idempotent code exchange,
// scheduled token refresh and the signed session cookie.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/felixgeelhaar/labgate/internal/errors"
	"github.com/felixgeelhaar/labgate/internal/log"
	"github.com/felixgeelhaar/labgate/internal/metrics"
	"github.com/felixgeelhaar/labgate/internal/telemetry"
)

// MsgSessionExpired is recorded in the state when a refresh fails.
const MsgSessionExpired = "Session expired, please sign in again"

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	// Provider may be nil when hosted login is not configured; BeginLogin
	// and CompleteLogin then fail, but backend password login still works.
	Provider  IdentityProvider
	Container *Container
	Codes     CodeMarker
	// RefreshMargin is how long before expiry tokens are refreshed.
	RefreshMargin time.Duration
	Clock         Clock
	Logger        *log.Logger
	Metrics       *metrics.Metrics
}

// Manager coordinates the identity provider, the state container and the
// refresh scheduler.
type Manager struct {
	provider  IdentityProvider
	container *Container
	scheduler *Scheduler
	exchanger *CodeExchanger
	pending   *pendingLogins
	logger    *log.Logger
	metrics   *metrics.Metrics
}

// NewManager creates a new authentication manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = log.DefaultLogger()
	}
	m := &Manager{
		provider:  cfg.Provider,
		container: cfg.Container,
		exchanger: NewCodeExchanger(cfg.Codes, cfg.Metrics),
		pending:   newPendingLogins(10 * time.Minute),
		logger:    cfg.Logger.With("component", "auth"),
		metrics:   cfg.Metrics,
	}
	m.scheduler = NewScheduler(SchedulerConfig{
		Refresh: m.refresh,
		Margin:  cfg.RefreshMargin,
		Clock:   cfg.Clock,
		Logger:  m.logger,
		Metrics: cfg.Metrics,
	})
	m.container.Subscribe(func(id string, a Action, prev, next State) {
		if prev.Phase != next.Phase {
			m.logger.Debug("session transition",
				"session_id", id, "action", a.ActionName(),
				"from", prev.Phase.String(), "to", next.Phase.String())
		}
	})
	return m
}

// Container returns the session state container.
func (m *Manager) Container() *Container { return m.container }

// Scheduler returns the refresh scheduler.
func (m *Manager) Scheduler() *Scheduler { return m.scheduler }

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

var errLoginNotConfigured = errors.New(errors.ErrCodeUnknown, "Hosted login is not configured")

// BeginLogin returns the hosted authorization URL for a new login.
func (m *Manager) BeginLogin() (string, error) {
	if m.provider == nil {
		return "", errLoginNotConfigured
	}
	state, err := randomState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()
	m.pending.put(state, verifier)
	return m.provider.AuthCodeURL(state, verifier), nil
}

// CompleteLogin exchanges code for tokens at most once and creates a new
// session. The returned session ID is non-empty whenever a session record
// was written, including a failed login that recorded its error.
func (m *Manager) CompleteLogin(ctx context.Context, code, state string) (string, error) {
	if m.provider == nil {
		return "", errLoginNotConfigured
	}
	// An unknown state must not burn the code.
	if !m.pending.known(state) {
		return "", ErrInvalidState
	}
	return m.exchanger.Do(ctx, code, func(ctx context.Context) (string, error) {
		verifier, ok := m.pending.take(state)
		if !ok {
			return "", ErrInvalidState
		}

		id := NewSessionID()
		ctx, span := telemetry.StartAuthSpan(ctx, "code_exchange", id)
		defer span.End()

		if _, err := m.container.Dispatch(ctx, id, LoginStarted{}); err != nil {
			telemetry.RecordError(span, err)
			return "", err
		}

		tokens, err := m.provider.Exchange(ctx, code, verifier)
		if err != nil {
			telemetry.RecordError(span, err)
			m.logger.WithError(err).Warn("authorization code exchange failed", "session_id", id)
			if _, derr := m.container.Dispatch(ctx, id, LoginFailed{Err: "Sign-in failed"}); derr != nil {
				return "", derr
			}
			return id, errors.Wrap(errors.ErrCodeUnauthorized, "Sign-in failed", err)
		}

		if err := m.StartSession(ctx, id, tokens); err != nil {
			telemetry.RecordError(span, err)
			return "", err
		}
		telemetry.RecordSuccess(span)
		return id, nil
	})
}

// StartSession records a successful login for id and arms the refresh
// timer when the tokens can be refreshed.
func (m *Manager) StartSession(ctx context.Context, id string, tokens *TokenSet) error {
	st, err := m.container.Dispatch(ctx, id, LoginSucceeded{
		User:         tokens.User,
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
	})
	if err != nil {
		return err
	}
	if !st.IsAuthenticated {
		return errors.New(errors.ErrCodeUnauthorized, st.Error)
	}

	if tokens.RefreshToken != "" && !tokens.ExpiresAt.IsZero() {
		m.scheduler.Schedule(id, tokens.ExpiresAt)
	}
	m.logger.Info("session started", "session_id", id, "expires_at", tokens.ExpiresAt)
	return nil
}

// refresh is the scheduler's RefreshFunc.
func (m *Manager) refresh(ctx context.Context, id string) (time.Time, error) {
	ctx, span := telemetry.StartAuthSpan(ctx, "refresh", id)
	defer span.End()

	st, err := m.container.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if !st.IsAuthenticated {
		return time.Time{}, ErrNotAuthenticated
	}
	if st.RefreshToken == "" || m.provider == nil {
		_, _ = m.container.Dispatch(ctx, id, RefreshFailed{Err: MsgSessionExpired})
		return time.Time{}, ErrNoRefreshToken
	}

	if _, err := m.container.Dispatch(ctx, id, RefreshStarted{}); err != nil {
		return time.Time{}, err
	}

	tokens, err := m.provider.Refresh(ctx, st.RefreshToken)
	if ctx.Err() != nil {
		return time.Time{}, ctx.Err()
	}
	if err != nil {
		telemetry.RecordError(span, err)
		if _, derr := m.container.Dispatch(ctx, id, RefreshFailed{Err: MsgSessionExpired}); derr != nil {
			m.logger.WithError(derr).Error("failed to record refresh failure", "session_id", id)
		}
		return time.Time{}, err
	}

	if _, err := m.container.Dispatch(ctx, id, RefreshSucceeded{
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
	}); err != nil {
		telemetry.RecordError(span, err)
		return time.Time{}, err
	}
	telemetry.RecordSuccess(span)
	return tokens.ExpiresAt, nil
}

// Refresh runs a refresh for id now and returns the resulting state.
func (m *Manager) Refresh(ctx context.Context, id string) (State, error) {
	st, err := m.container.Get(ctx, id)
	if err != nil {
		return State{}, err
	}
	if !st.IsAuthenticated {
		return st, ErrNotAuthenticated
	}
	if err := m.scheduler.Trigger(ctx, id); err != nil {
		st, _ = m.container.Get(ctx, id)
		return st, err
	}
	st, err = m.container.Get(ctx, id)
	if err != nil {
		return State{}, err
	}
	if !st.IsAuthenticated {
		return st, ErrNotAuthenticated
	}
	return st, nil
}

// Logout stops the session's refresh timer, waiting for any in-flight
// refresh, and then deletes the session. No refresh can start for id
// until the deletion is committed.
func (m *Manager) Logout(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	m.scheduler.Cancel(id)
	defer m.scheduler.Forget(id)
	if _, err := m.container.Dispatch(ctx, id, LoggedOut{}); err != nil {
		return err
	}
	m.logger.Info("session ended", "session_id", id)
	return nil
}

// Restore re-arms refresh timers for persisted authenticated sessions.
func (m *Manager) Restore(ctx context.Context, store SessionStore) (int, error) {
	records, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	n := 0
	for _, rec := range records {
		if rec.State.IsAuthenticated && rec.State.RefreshToken != "" && !rec.State.ExpiresAt.IsZero() {
			m.scheduler.Schedule(rec.ID, rec.State.ExpiresAt)
			n++
		}
	}
	return n, nil
}

// Close stops every refresh timer.
func (m *Manager) Close() {
	m.scheduler.Stop()
}
