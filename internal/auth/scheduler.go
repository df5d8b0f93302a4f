package auth

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/labgate/internal/log"
	"github.com/felixgeelhaar/labgate/internal/metrics"
)

// Timer is the subset of *time.Timer the scheduler uses.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the scheduler.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time                            { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RefreshFunc refreshes one session and returns the new token expiry.
// It must not apply its result once ctx is cancelled.
type RefreshFunc func(ctx context.Context, sessionID string) (time.Time, error)

// SchedulerConfig holds configuration for the refresh scheduler.
type SchedulerConfig struct {
	Refresh RefreshFunc
	// Margin is how long before expiry the refresh fires (default: 5 minutes).
	Margin  time.Duration
	Clock   Clock
	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// Scheduler keeps one one-shot refresh timer per session. A successful
// refresh re-arms the timer; a failed one does not, and nothing is retried.
type Scheduler struct {
	refresh RefreshFunc
	margin  time.Duration
	clock   Clock
	logger  *log.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*refreshEntry
	// cancelled holds sessions being logged out until Forget.
	cancelled map[string]struct{}
	closed    bool

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

type refreshEntry struct {
	gen    uint64
	timer  Timer
	flight *refreshFlight
}

// refreshFlight is one running refresh. err is set before done closes.
type refreshFlight struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewScheduler creates a new refresh scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Margin == 0 {
		cfg.Margin = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.DefaultLogger()
	}

	base, stop := context.WithCancel(context.Background())
	return &Scheduler{
		refresh: cfg.Refresh,
		margin:  cfg.Margin,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		entries:   make(map[string]*refreshEntry),
		cancelled: make(map[string]struct{}),
		base:      base,
		stop:      stop,
	}
}

// Schedule arms (or re-arms) the refresh for sessionID at expiresAt minus
// the margin. A time already in the past fires immediately.
func (s *Scheduler) Schedule(sessionID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, ok := s.cancelled[sessionID]; ok {
		return
	}
	e, ok := s.entries[sessionID]
	if !ok {
		e = &refreshEntry{}
		s.entries[sessionID] = e
	}
	s.armLocked(sessionID, e, expiresAt)
	s.metrics.SetRefreshTimers(len(s.entries))
}

func (s *Scheduler) armLocked(id string, e *refreshEntry, expiresAt time.Time) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen

	delay := expiresAt.Sub(s.clock.Now()) - s.margin
	if delay < 0 {
		delay = 0
	}
	e.timer = s.clock.AfterFunc(delay, func() { _ = s.fire(s.base, id, gen, "timer") })
	s.logger.Debug("token refresh scheduled", "session_id", id, "in", delay.String())
}

// Trigger refreshes sessionID now, replacing any pending timer. If a
// refresh is already in flight it waits for that one and returns its
// result. Sessions being logged out return ErrNotAuthenticated.
func (s *Scheduler) Trigger(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return context.Canceled
	}
	if _, ok := s.cancelled[sessionID]; ok {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	e, ok := s.entries[sessionID]
	if !ok {
		e = &refreshEntry{}
		s.entries[sessionID] = e
		s.metrics.SetRefreshTimers(len(s.entries))
	}
	if f := e.flight; f != nil {
		s.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	gen := e.gen
	s.mu.Unlock()

	// The refresh outlives a disconnecting caller; only Cancel and Stop
	// abort it.
	return s.fire(context.WithoutCancel(ctx), sessionID, gen, "manual")
}

// fire runs the refresh for generation gen of the entry. Stale generations
// and sessions cancelled in the meantime are skipped.
func (s *Scheduler) fire(parent context.Context, id string, gen uint64, trigger string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen || e.flight != nil || s.closed {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(parent)
	f := &refreshFlight{cancel: cancel, done: make(chan struct{})}
	e.flight, e.timer = f, nil
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.logger.Info("refreshing session tokens", "session_id", id, "trigger", trigger)
	next, err := s.refresh(ctx, id)
	discarded := ctx.Err() != nil
	cancel()
	s.metrics.RefreshAttempt(trigger, err == nil && !discarded)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.flight = nil

	switch {
	case discarded || s.entries[id] != e:
		s.logger.Debug("token refresh result discarded", "session_id", id)
		f.err = context.Canceled
	case err != nil:
		s.logger.WithError(err).Warn("token refresh failed, session signed out", "session_id", id)
		delete(s.entries, id)
		s.metrics.SetRefreshTimers(len(s.entries))
		f.err = err
	default:
		s.armLocked(id, e, next)
	}
	close(f.done)
	return f.err
}

// Cancel stops the session's timer and waits for an in-flight refresh of
// that session to return. Its result is discarded. Until Forget is called
// the session cannot be scheduled or triggered again.
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	if !s.closed {
		s.cancelled[sessionID] = struct{}{}
	}
	e, ok := s.entries[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.entries, sessionID)
	s.metrics.SetRefreshTimers(len(s.entries))
	if e.timer != nil {
		e.timer.Stop()
	}
	f := e.flight
	if f != nil {
		f.cancel()
	}
	s.mu.Unlock()

	if f != nil {
		<-f.done
	}
}

// Forget lifts the block Cancel placed on sessionID.
func (s *Scheduler) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancelled, sessionID)
}

// Scheduled reports whether sessionID has a pending or running refresh.
func (s *Scheduler) Scheduled(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[sessionID]
	return ok
}

// Len returns the number of tracked sessions.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every timer and in-flight refresh and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for id, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.flight != nil {
			e.flight.cancel()
		}
		delete(s.entries, id)
	}
	clear(s.cancelled)
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
}
