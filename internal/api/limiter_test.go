package api

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/labgate/internal/auth"
)

func TestClientLimiter(t *testing.T) {
	l := newClientLimiter(1, 2)
	require.NotNil(t, l)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "buckets are per client")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestClientLimiterSweepsIdleClients(t *testing.T) {
	l := newClientLimiter(1, 1)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	now = now.Add(5 * time.Minute)
	l.Allow("b")

	now = now.Add(limiterIdle - time.Minute)
	l.Allow("c")
	assert.NotContains(t, l.clients, "a")
	assert.Contains(t, l.clients, "b")
	assert.Contains(t, l.clients, "c")
}

func TestNilLimiterAllows(t *testing.T) {
	l := newClientLimiter(0, 5)
	assert.Nil(t, l)
	for range 100 {
		assert.True(t, l.Allow("a"))
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/autocomplete", nil)
	r.RemoteAddr = "203.0.113.7:5123"
	assert.Equal(t, "addr:203.0.113.7", clientKey(r))

	r = r.WithContext(auth.WithSessionID(r.Context(), "s-1"))
	assert.Equal(t, "session:s-1", clientKey(r))
}
