package auth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/felixgeelhaar/labgate/internal/errors"
	"github.com/felixgeelhaar/labgate/internal/log"
)

type fakeProvider struct {
	mu          sync.Mutex
	clock       Clock
	exchanges   int
	refreshes   int
	verifiers   []string
	exchangeErr error
	refreshErr  error

	// When set, Refresh signals refreshStarted and waits on refreshGate.
	refreshStarted chan struct{}
	refreshGate    chan struct{}
}

func (p *fakeProvider) AuthCodeURL(state, verifier string) string {
	v := url.Values{"state": {state}, "verifier": {verifier}}
	return "https://idp.example.com/oauth2/authorize?" + v.Encode()
}

func (p *fakeProvider) Exchange(_ context.Context, code, verifier string) (*TokenSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanges++
	p.verifiers = append(p.verifiers, verifier)
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return &TokenSet{
		IDToken:      "id-" + code,
		RefreshToken: "rt-" + code,
		ExpiresAt:    p.clock.Now().Add(time.Hour),
		User:         &User{ID: "u-1", Email: "ada@example.com"},
	}, nil
}

func (p *fakeProvider) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (*TokenSet, error) {
	p.mu.Lock()
	p.refreshes++
	started, gate, err := p.refreshStarted, p.refreshGate, p.refreshErr
	p.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &TokenSet{IDToken: "id-refreshed", ExpiresAt: p.clock.Now().Add(2 * time.Hour)}, nil
}

type managerFixture struct {
	manager  *Manager
	store    *MemoryStore
	provider *fakeProvider
	clock    *fakeClock
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore()
	provider := &fakeProvider{clock: clock}
	m := NewManager(ManagerConfig{
		Provider:  provider,
		Container: NewContainer(store, 24*time.Hour),
		Codes:     store,
		Clock:     clock,
		Logger:    log.Discard(),
	})
	t.Cleanup(m.Close)
	return &managerFixture{manager: m, store: store, provider: provider, clock: clock}
}

func loginState(t *testing.T, authURL string) (state, verifier string) {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query().Get("state"), u.Query().Get("verifier")
}

func TestManager_LoginFlow(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	authURL, err := f.manager.BeginLogin()
	require.NoError(t, err)
	state, verifier := loginState(t, authURL)
	require.NotEmpty(t, state)
	require.NotEmpty(t, verifier)

	id, err := f.manager.CompleteLogin(ctx, "abc", state)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, []string{verifier}, f.provider.verifiers)

	st, err := f.manager.Container().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseAuthenticated, st.Phase)
	assert.Equal(t, "id-abc", st.IDToken)
	assert.True(t, f.manager.Scheduler().Scheduled(id))
	assert.Equal(t, 55*time.Minute, f.clock.last().d)
}

func TestManager_CodeReplay(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	authURL, err := f.manager.BeginLogin()
	require.NoError(t, err)
	state, _ := loginState(t, authURL)

	_, err = f.manager.CompleteLogin(ctx, "abc", state)
	require.NoError(t, err)

	_, err = f.manager.CompleteLogin(ctx, "abc", state)
	assert.ErrorIs(t, err, ErrCodeReplayed)
	assert.Equal(t, 1, f.provider.exchanges)
}

func TestManager_UnknownState(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.CompleteLogin(context.Background(), "abc", "forged")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, f.provider.exchanges)
}

func TestManager_UnknownStateKeepsCode(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.CompleteLogin(ctx, "abc", "expired-before-restart")
	require.ErrorIs(t, err, ErrInvalidState)

	authURL, err := f.manager.BeginLogin()
	require.NoError(t, err)
	state, _ := loginState(t, authURL)

	id, err := f.manager.CompleteLogin(ctx, "abc", state)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, f.provider.exchanges)
}

func TestManager_ExchangeFailureRecorded(t *testing.T) {
	f := newManagerFixture(t)
	f.provider.exchangeErr = errors.New("invalid_grant")

	authURL, err := f.manager.BeginLogin()
	require.NoError(t, err)
	state, _ := loginState(t, authURL)

	id, err := f.manager.CompleteLogin(context.Background(), "abc", state)
	require.Error(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 401, gwerrors.StatusOf(err))

	st, err := f.manager.Container().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, PhaseAnonymous, st.Phase)
	assert.Equal(t, "Sign-in failed", st.Error)
	assert.False(t, f.manager.Scheduler().Scheduled(id))
}

func startedSession(t *testing.T, f *managerFixture, id string) {
	t.Helper()
	require.NoError(t, f.manager.StartSession(context.Background(), id, &TokenSet{
		IDToken:      "id-1",
		RefreshToken: "rt-1",
		ExpiresAt:    f.clock.Now().Add(time.Hour),
		User:         &User{ID: "u-1"},
	}))
}

func TestManager_ScheduledRefresh(t *testing.T) {
	f := newManagerFixture(t)
	startedSession(t, f, "s-1")

	f.clock.last().f()

	st, err := f.manager.Container().Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseAuthenticated, st.Phase)
	assert.Equal(t, "id-refreshed", st.IDToken)
	assert.Equal(t, "rt-1", st.RefreshToken)
	assert.Equal(t, 115*time.Minute, f.clock.last().d)
}

func TestManager_RefreshFailureSignsOut(t *testing.T) {
	f := newManagerFixture(t)
	f.provider.refreshErr = errors.New("invalid_grant")
	startedSession(t, f, "s-1")

	st, err := f.manager.Refresh(context.Background(), "s-1")
	require.Error(t, err)
	assert.Equal(t, PhaseAnonymous, st.Phase)
	assert.False(t, st.IsAuthenticated)
	assert.Empty(t, st.IDToken)
	assert.Empty(t, st.RefreshToken)
	assert.Equal(t, MsgSessionExpired, st.Error)
	require.NoError(t, st.CheckInvariant())
	assert.False(t, f.manager.Scheduler().Scheduled("s-1"))
	assert.Equal(t, 1, f.provider.refreshes)
}

func TestManager_RefreshWithoutRefreshToken(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.manager.StartSession(context.Background(), "s-1", &TokenSet{IDToken: "id-1"}))
	assert.False(t, f.manager.Scheduler().Scheduled("s-1"))

	st, err := f.manager.Refresh(context.Background(), "s-1")
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.False(t, st.IsAuthenticated)
	assert.Equal(t, 0, f.provider.refreshes)
}

func TestManager_RefreshAnonymous(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.Refresh(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.manager.Container().Dispatch(context.Background(), "s-1", LoginStarted{})
	require.NoError(t, err)
	_, err = f.manager.Refresh(context.Background(), "s-1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestManager_Logout(t *testing.T) {
	f := newManagerFixture(t)
	startedSession(t, f, "s-1")
	pending := f.clock.last()

	require.NoError(t, f.manager.Logout(context.Background(), "s-1"))
	assert.False(t, f.manager.Scheduler().Scheduled("s-1"))
	assert.True(t, pending.stopped.Load())

	_, err := f.store.Load(context.Background(), "s-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	pending.f()
	assert.Equal(t, 0, f.provider.refreshes)
	require.NoError(t, f.manager.Logout(context.Background(), ""))
}

func TestManager_RefreshDuringLogout(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	startedSession(t, f, "s-1")

	// Logout has cancelled the timer but not yet deleted the record.
	f.manager.Scheduler().Cancel("s-1")
	_, err := f.manager.Refresh(ctx, "s-1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, 0, f.provider.refreshCount())
	assert.False(t, f.manager.Scheduler().Scheduled("s-1"))

	require.NoError(t, f.manager.Logout(ctx, "s-1"))
	_, err = f.manager.Container().Get(ctx, "s-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.manager.Refresh(ctx, "s-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, f.manager.Scheduler().Scheduled("s-1"))
	_, err = f.store.Load(ctx, "s-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_Restore(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	authed := Reduce(State{}, LoginSucceeded{IDToken: "id", RefreshToken: "rt", ExpiresAt: f.clock.Now().Add(time.Hour)})
	require.NoError(t, f.store.Save(ctx, "s-1", authed, time.Now().Add(time.Hour)))
	require.NoError(t, f.store.Save(ctx, "s-2", State{}, time.Now().Add(time.Hour)))

	n, err := f.manager.Restore(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.manager.Scheduler().Scheduled("s-1"))
	assert.False(t, f.manager.Scheduler().Scheduled("s-2"))
}

func TestManager_WithoutProvider(t *testing.T) {
	m := NewManager(ManagerConfig{
		Container: NewContainer(NewMemoryStore(), time.Hour),
		Codes:     NewMemoryStore(),
		Clock:     newFakeClock(),
		Logger:    log.Discard(),
	})
	defer m.Close()

	_, err := m.BeginLogin()
	assert.Error(t, err)
	_, err = m.CompleteLogin(context.Background(), "c", "s")
	assert.Error(t, err)
}
