package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/labgate/internal/auth"
	"github.com/felixgeelhaar/labgate/internal/backend"
	"github.com/felixgeelhaar/labgate/internal/completion"
	"github.com/felixgeelhaar/labgate/internal/log"
)

var signingKey = []byte("test-secret-key-at-least-32-bytes-long")

type upstreamCall struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   []byte
}

type fixture struct {
	router   *mux.Router
	manager  *auth.Manager
	sessions *auth.SessionManager
	backend  *httptest.Server

	mu         sync.Mutex
	calls      []upstreamCall
	upstream   http.HandlerFunc
	completion http.HandlerFunc
	env        map[string]string
}

type fixtureOption func(*Options)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		upstream: func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, `{}`) },
		env:      map[string]string{},
	}

	f.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.calls = append(f.calls, upstreamCall{
			Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery,
			Auth: r.Header.Get("Authorization"), Body: body,
		})
		h := f.upstream
		f.mu.Unlock()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		h(w, r)
	}))
	t.Cleanup(f.backend.Close)

	completionSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		h := f.completion
		f.mu.Unlock()
		if h == nil {
			_, _ = io.WriteString(w, `{"suggestion":" next"}`)
			return
		}
		h(w, r)
	}))
	t.Cleanup(completionSrv.Close)

	bc, err := backend.NewClient(backend.Config{BaseURL: f.backend.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	cc, err := completion.NewClient(completion.Config{URL: completionSrv.URL})
	require.NoError(t, err)

	store := auth.NewMemoryStore()
	f.manager = auth.NewManager(auth.ManagerConfig{
		Container: auth.NewContainer(store, time.Hour),
		Codes:     store,
		Logger:    log.Discard(),
	})
	t.Cleanup(f.manager.Close)
	f.sessions = auth.NewSessionManager(signingKey, "labgate-test", time.Hour, false)

	o := Options{
		Backend:    bc,
		Completion: cc,
		Manager:    f.manager,
		Sessions:   f.sessions,
		Lookup: func(k string) (string, bool) {
			f.mu.Lock()
			defer f.mu.Unlock()
			v, ok := f.env[k]
			return v, ok
		},
		Logger: log.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	f.router = mux.NewRouter()
	f.router.Use(auth.LoadSession(f.sessions))
	New(o).Register(f.router)
	return f
}

func (f *fixture) setUpstream(h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstream = h
}

func (f *fixture) upstreamCalls() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

type reqOpt func(*http.Request)

func withSession(t *testing.T, f *fixture, id string) reqOpt {
	return func(r *http.Request) {
		token, _, err := f.sessions.Issue(id)
		require.NoError(t, err)
		r.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: token})
	}
}

func withHeader(k, v string) reqOpt {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func (f *fixture) do(method, target, body string, opts ...reqOpt) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func startSession(t *testing.T, f *fixture, id, idToken string) {
	t.Helper()
	require.NoError(t, f.manager.StartSession(context.Background(), id, &auth.TokenSet{IDToken: idToken}))
}

func TestMethodNotAllowedNeverCallsBackend(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		method, path string
	}{
		{http.MethodPost, "/api/auth-config"},
		{http.MethodGet, "/api/auth/login"},
		{http.MethodPost, "/api/users/ada@example.com"},
		{http.MethodGet, "/api/users/ada@example.com"},
		{http.MethodDelete, "/api/organizations"},
		{http.MethodPut, "/api/organizations"},
		{http.MethodGet, "/api/register"},
		{http.MethodGet, "/api/organizations/o-1/experiments/e-1/generate-eln"},
		{http.MethodPost, "/api/organizations/o-1/experiments/e-1/summary?scope=day&date=2026-05-01"},
		{http.MethodGet, "/api/autocomplete"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := f.do(tt.method, tt.path, `{"email":"ada@example.com","orgId":"o-1","name":"x"}`)
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			assert.JSONEq(t, `{"error":"Method not allowed"}`, rec.Body.String())
		})
	}
	assert.Empty(t, f.upstreamCalls())
}

func TestAuthConfig(t *testing.T) {
	f := newFixture(t)
	f.env = map[string]string{
		"COGNITO_CLIENT_ID": "client-1",
		"COGNITO_DOMAIN":    "labs.auth.eu-west-1.amazoncognito.com",
		"COGNITO_REGION":    "eu-west-1",
	}

	rec := f.do(http.MethodGet, "/api/auth-config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"clientId":"client-1","domain":"labs.auth.eu-west-1.amazoncognito.com","region":"eu-west-1"}`, rec.Body.String())
	assert.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))

	for _, name := range []string{"COGNITO_CLIENT_ID", "COGNITO_DOMAIN", "COGNITO_REGION"} {
		t.Run("missing "+name, func(t *testing.T) {
			saved := f.env[name]
			f.mu.Lock()
			delete(f.env, name)
			f.mu.Unlock()
			defer func() {
				f.mu.Lock()
				f.env[name] = saved
				f.mu.Unlock()
			}()

			rec := f.do(http.MethodGet, "/api/auth-config", "")
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Contains(t, rec.Body.String(), name)
			assert.Empty(t, rec.Header().Get("Cache-Control"))
		})
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/register", `{"orgId":"o-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"email is required"}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/register", `{"email":"not-an-email","orgId":"o-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/register", `{"email":"ada@example.com","orgId":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.upstreamCalls())

	f.setUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"registered":true}`)
	})
	rec = f.do(http.MethodPost, "/api/register", `{"email":"  ada@example.com ","orgId":" o-1 "}`,
		withHeader("Authorization", "Bearer inbound"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"registered":true}`, rec.Body.String())

	calls := f.upstreamCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/organizations/o-1/users", calls[0].Path)
	assert.Equal(t, "Bearer inbound", calls[0].Auth)
	assert.JSONEq(t, `{"email":"ada@example.com","orgId":"o-1"}`, string(calls[0].Body))

	f.setUpstream(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	rec = f.do(http.MethodPost, "/api/register", `{"email":"ada@example.com","orgId":"o-9"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Organization not found"}`, rec.Body.String())
}

func TestGenerateELN(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ELNTimeout = 100 * time.Millisecond })
	path := "/api/organizations/o-1/experiments/e-1/generate-eln"

	f.setUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, "%PDF-1.7")
	})
	rec := f.do(http.MethodPost, path, `{"send_email":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-1.7", rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=experiment-e-1-eln.pdf", rec.Header().Get("Content-Disposition"))
	assert.JSONEq(t, `{"send_email":true}`, string(f.upstreamCalls()[0].Body))

	f.setUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"no such experiment"}`)
	})
	rec = f.do(http.MethodPost, path, `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Experiment not found"}`, rec.Body.String())

	f.setUpstream(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	rec = f.do(http.MethodPost, path, `{}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.JSONEq(t, `{"error":"ELN generation timed out"}`, rec.Body.String())
}

func TestGenerateELNTooLarge(t *testing.T) {
	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, "%PDF-1.7 and more")
	}))
	t.Cleanup(docs.Close)
	bc, err := backend.NewClient(backend.Config{BaseURL: docs.URL, MaxDocumentBytes: 8})
	require.NoError(t, err)

	f := newFixture(t, func(o *Options) { o.Backend = bc })
	rec := f.do(http.MethodPost, "/api/organizations/o-1/experiments/e-1/generate-eln", `{}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"Generated document is too large"}`, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
}

func TestSummaryValidation(t *testing.T) {
	f := newFixture(t)
	base := "/api/organizations/o-1/experiments/e-1/summary"

	tests := []struct {
		name  string
		query string
		code  int
	}{
		{"missing scope", "", http.StatusBadRequest},
		{"unknown scope", "?scope=week", http.StatusBadRequest},
		{"session without id", "?scope=session", http.StatusBadRequest},
		{"day without date", "?scope=day", http.StatusBadRequest},
		{"day with bad date", "?scope=day&date=01-05-2026", http.StatusBadRequest},
		{"session", "?scope=session&session_id=s-1", http.StatusOK},
		{"day", "?scope=day&date=2026-05-01", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, base+tt.query, "")
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	calls := f.upstreamCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "/organizations/o-1/experiments/e-1/summary", calls[0].Path)
	assert.Equal(t, "scope=session&session_id=s-1", calls[0].Query)
	assert.Equal(t, "date=2026-05-01&scope=day", calls[1].Query)
}

func TestLoginStartsSession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/auth/login", `{"email":"ada@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"password is required"}`, rec.Body.String())

	f.setUpstream(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"authenticated":true,"access_token":"tok-1","refresh_token":"rt-1","expires_in":3600,"user":{"id":"u-1","email":"ada@example.com"}}`)
	})
	rec = f.do(http.MethodPost, "/api/auth/login", `{"email":" ada@example.com ","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "tok-1", body["access_token"])
	assert.NotContains(t, body, "refresh_token")
	assert.JSONEq(t, `{"email":"ada@example.com","password":"pw"}`, string(f.upstreamCalls()[0].Body))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	sid, err := f.sessions.Verify(cookies[0].Value)
	require.NoError(t, err)

	st, err := f.manager.Container().Get(context.Background(), sid)
	require.NoError(t, err)
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, "tok-1", st.IDToken)
	assert.Equal(t, "rt-1", st.RefreshToken)
	assert.True(t, f.manager.Scheduler().Scheduled(sid))
}

func TestLoginRejected(t *testing.T) {
	f := newFixture(t)

	f.setUpstream(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"authenticated":false}`)
	})
	rec := f.do(http.MethodPost, "/api/auth/login", `{"email":"ada@example.com","password":"bad"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies())

	f.setUpstream(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	rec = f.do(http.MethodPost, "/api/auth/login", `{"email":"ghost@example.com","password":"pw"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"User not found"}`, rec.Body.String())
}

func TestOrganizationsUsesSessionToken(t *testing.T) {
	f := newFixture(t)
	startSession(t, f, "s-1", "session-token")

	f.setUpstream(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = io.WriteString(w, `{"org_id":"o-3","name":"New Lab"}`)
			return
		}
		_, _ = io.WriteString(w, `[{"org_id":"o-1","name":"One"},{"org_id":"o-2","name":"Two"}]`)
	})

	rec := f.do(http.MethodGet, "/api/organizations", "", withSession(t, f, "s-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"org_id":"o-1","name":"One"},{"org_id":"o-2","name":"Two"}]`, rec.Body.String())
	assert.Equal(t, "Bearer session-token", f.upstreamCalls()[0].Auth)

	st, err := f.manager.Container().Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Len(t, st.Organizations, 2)

	rec = f.do(http.MethodGet, "/api/organizations", "", withSession(t, f, "s-1"), withHeader("Authorization", "Bearer override"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer override", f.upstreamCalls()[1].Auth)

	rec = f.do(http.MethodPost, "/api/organizations", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/organizations", `{"name":"New Lab"}`, withSession(t, f, "s-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"org_id":"o-3","name":"New Lab"}`, rec.Body.String())
}

func TestUpstreamErrorMapping(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"not found", http.StatusNotFound, `{"detail":"gone"}`, `{"error":"Organizations not found"}`},
		{"forbidden forwarded", http.StatusForbidden, `{"detail":"Not a member"}`, `{"error":"Not a member"}`},
		{"server error forwarded", http.StatusInternalServerError, `{"message":"db down"}`, `{"error":"db down"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.setUpstream(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			rec := f.do(http.MethodGet, "/api/organizations", "")
			assert.Equal(t, tt.status, rec.Code)
			assert.JSONEq(t, tt.want, rec.Body.String())
		})
	}
}

func TestNetworkFailureIsGeneric(t *testing.T) {
	f := newFixture(t)
	f.backend.Close()

	rec := f.do(http.MethodPut, "/api/users/ada@example.com", `{"name":"Ada"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}

func TestUpdateUser(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/api/users/ada@example.com", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.upstreamCalls())

	f.setUpstream(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"email":"ada@example.com","name":"Ada L."}`)
	})
	rec = f.do(http.MethodPut, "/api/users/ada@example.com", `{"name":" Ada L. "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	calls := f.upstreamCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/users/ada@example.com", calls[0].Path)
	assert.JSONEq(t, `{"name":"Ada L."}`, string(calls[0].Body))

	f.setUpstream(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	rec = f.do(http.MethodPut, "/api/users/ghost@example.com", `{"name":"Ghost"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"User not found"}`, rec.Body.String())
}

func TestAutocomplete(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RateLimit = 0.001
		o.Burst = 2
	})

	rec := f.do(http.MethodPost, "/api/autocomplete", `{"textAfter":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/autocomplete", `{"textBefore":"The sample","textAfter":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"suggestion":" next"}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/autocomplete", `{"textBefore":"The sample"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"Too many requests"}`, rec.Body.String())
}

func TestAutocompleteNotConfigured(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Completion = nil })

	rec := f.do(http.MethodPost, "/api/autocomplete", `{"textBefore":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Autocomplete is not configured"}`, rec.Body.String())
}
