package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/felixgeelhaar/labgate/internal/metrics"
)

// codeMarkerTTL bounds how long processed codes are remembered. Codes from
// the hosted UI are valid for minutes, so a day is ample.
const codeMarkerTTL = 24 * time.Hour

// CodeExchanger runs the exchange for an authorization code at most once.
// The code itself is the idempotency key: it is claimed in the durable
// marker store before the exchange starts, concurrent duplicates share the
// in-flight result, and later replays fail with ErrCodeReplayed.
type CodeExchanger struct {
	marker  CodeMarker
	group   singleflight.Group
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewCodeExchanger creates an exchanger backed by marker.
func NewCodeExchanger(marker CodeMarker, m *metrics.Metrics) *CodeExchanger {
	return &CodeExchanger{marker: marker, metrics: m, now: time.Now}
}

// Do claims code and runs fn. fn's context is detached from ctx so a
// client disconnect cannot waste a code that has already been claimed.
func (x *CodeExchanger) Do(ctx context.Context, code string, fn func(context.Context) (string, error)) (string, error) {
	v, err, shared := x.group.Do(HashCode(code), func() (any, error) {
		claimed, err := x.marker.MarkCode(ctx, code, x.now().Add(codeMarkerTTL))
		if err != nil {
			return "", fmt.Errorf("claim authorization code: %w", err)
		}
		if !claimed {
			x.metrics.CodeExchange("replay")
			return "", ErrCodeReplayed
		}

		id, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			x.metrics.CodeExchange("failure")
		} else {
			x.metrics.CodeExchange("success")
		}
		return id, err
	})
	if shared {
		x.metrics.CodeExchange("shared")
	}
	return v.(string), err
}

// pendingLogins remembers the PKCE verifier for each outstanding login
// state until the callback arrives.
type pendingLogins struct {
	mu      sync.Mutex
	entries map[string]pendingLogin
	ttl     time.Duration
	now     func() time.Time
}

type pendingLogin struct {
	verifier  string
	createdAt time.Time
	used      bool
}

func newPendingLogins(ttl time.Duration) *pendingLogins {
	return &pendingLogins{entries: make(map[string]pendingLogin), ttl: ttl, now: time.Now}
}

func (p *pendingLogins) put(state, verifier string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for k, e := range p.entries {
		if now.Sub(e.createdAt) > p.ttl {
			delete(p.entries, k)
		}
	}
	p.entries[state] = pendingLogin{verifier: verifier, createdAt: now}
}

// known reports whether state was issued and has not expired. Used states
// stay known so a replayed callback reaches the code marker.
func (p *pendingLogins) known(state string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[state]
	return ok && p.now().Sub(e.createdAt) <= p.ttl
}

// take returns the verifier for state and marks it used.
func (p *pendingLogins) take(state string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[state]
	if !ok || e.used {
		return "", false
	}
	if p.now().Sub(e.createdAt) > p.ttl {
		delete(p.entries, state)
		return "", false
	}
	e.used = true
	p.entries[state] = e
	return e.verifier, true
}
