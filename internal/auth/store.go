package auth

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/felixgeelhaar/labgate/internal/log"
)

// Record is a persisted session.
type Record struct {
	ID        string
	State     State
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// SessionStore persists State per session ID. Implementations must be safe
// for concurrent use.
type SessionStore interface {
	// Load returns ErrSessionNotFound for unknown or expired sessions.
	Load(ctx context.Context, id string) (State, error)
	Save(ctx context.Context, id string, st State, expiresAt time.Time) error
	// Delete is a no-op for unknown sessions.
	Delete(ctx context.Context, id string) error
	// List returns every unexpired session.
	List(ctx context.Context) ([]Record, error)
	// Cleanup removes expired sessions and code markers.
	Cleanup(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// CodeMarker records processed authorization codes.
type CodeMarker interface {
	// MarkCode claims code. It returns false if the code was already claimed.
	MarkCode(ctx context.Context, code string, expiresAt time.Time) (bool, error)
}

// Store is the persistence the gateway needs.
type Store interface {
	SessionStore
	CodeMarker
}

// HashCode is the key under which an authorization code is recorded.
// Raw codes are never persisted.
func HashCode(code string) string {
	sum := blake3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps sessions in process memory. Suitable for a single
// instance and for tests.
type MemoryStore struct {
	sessions sync.Map // id -> Record
	codes    sync.Map // hash -> time.Time
	mu       sync.Mutex
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Load retrieves a session.
func (m *MemoryStore) Load(ctx context.Context, id string) (State, error) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return State{}, ErrSessionNotFound
	}
	rec := v.(Record)
	if m.now().After(rec.ExpiresAt) {
		m.sessions.Delete(id)
		return State{}, ErrSessionNotFound
	}
	return rec.State, nil
}

// Save stores a session, replacing any previous state.
func (m *MemoryStore) Save(ctx context.Context, id string, st State, expiresAt time.Time) error {
	m.sessions.Store(id, Record{ID: id, State: st, UpdatedAt: m.now(), ExpiresAt: expiresAt})
	return nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.sessions.Delete(id)
	return nil
}

// List returns all unexpired sessions.
func (m *MemoryStore) List(ctx context.Context) ([]Record, error) {
	now := m.now()
	var out []Record
	m.sessions.Range(func(_, v any) bool {
		if rec := v.(Record); !now.After(rec.ExpiresAt) {
			out = append(out, rec)
		}
		return true
	})
	return out, nil
}

// MarkCode claims a code atomically.
func (m *MemoryStore) MarkCode(ctx context.Context, code string, expiresAt time.Time) (bool, error) {
	_, loaded := m.codes.LoadOrStore(HashCode(code), expiresAt)
	return !loaded, nil
}

// Cleanup removes expired sessions and code markers.
func (m *MemoryStore) Cleanup(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	m.sessions.Range(func(k, v any) bool {
		if now.After(v.(Record).ExpiresAt) {
			m.sessions.Delete(k)
			count++
		}
		return true
	})
	m.codes.Range(func(k, v any) bool {
		if now.After(v.(time.Time)) {
			m.codes.Delete(k)
			count++
		}
		return true
	})
	return count, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// RunJanitor calls Cleanup every interval until ctx is done.
func RunJanitor(ctx context.Context, store SessionStore, interval time.Duration, logger *log.Logger) {
	if logger == nil {
		logger = log.DefaultLogger()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Cleanup(ctx)
			if err != nil {
				logger.WithError(err).Warn("session cleanup failed")
				continue
			}
			if n > 0 {
				logger.Debug("expired sessions removed", "count", n)
			}
		}
	}
}
