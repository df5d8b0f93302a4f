package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-secret-key-at-least-32-bytes-long")

func newRequest(t *testing.T, method, target string, body io.Reader) *http.Request {
	t.Helper()
	return httptest.NewRequest(method, target, body)
}

func TestSessionManager_IssueVerify(t *testing.T) {
	sm := NewSessionManager(testSigningKey, "labgate-test", time.Hour, true)

	token, expiresAt, err := sm.Issue("sid-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	sid, err := sm.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "sid-1", sid)
}

func TestSessionManager_VerifyRejects(t *testing.T) {
	sm := NewSessionManager(testSigningKey, "labgate-test", time.Hour, true)
	token, _, err := sm.Issue("sid-1")
	require.NoError(t, err)

	other := NewSessionManager([]byte("another-secret-key-at-least-32-bytes"), "labgate-test", time.Hour, true)
	wrongIssuer := NewSessionManager(testSigningKey, "someone-else", time.Hour, true)

	expired := NewSessionManager(testSigningKey, "labgate-test", time.Hour, true)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _, err := expired.Issue("sid-1")
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    "labgate-test",
		Subject:   "sid-1",
		Audience:  jwt.ClaimStrings{"labgate-test"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	noneToken, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		sm    *SessionManager
		token string
	}{
		{"empty", sm, ""},
		{"garbage", sm, "not-a-jwt"},
		{"wrong key", other, token},
		{"wrong issuer", wrongIssuer, token},
		{"expired", sm, expiredToken},
		{"alg none", sm, noneToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.sm.Verify(tt.token)
			assert.ErrorIs(t, err, ErrTokenInvalid)
		})
	}
}

func TestSessionManager_Cookies(t *testing.T) {
	sm := NewSessionManager(testSigningKey, "labgate-test", time.Hour, true)

	rec := httptest.NewRecorder()
	require.NoError(t, sm.SetCookie(rec, "sid-1"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, SessionCookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)

	r := newRequest(t, http.MethodGet, "/auth/session", nil)
	r.AddCookie(c)
	assert.Equal(t, "sid-1", sm.SessionIDFromRequest(r))

	rec = httptest.NewRecorder()
	sm.ClearCookie(rec)
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Empty(t, cleared[0].Value)
	assert.Equal(t, -1, cleared[0].MaxAge)
}

func TestLoadSession(t *testing.T) {
	sm := NewSessionManager(testSigningKey, "labgate-test", time.Hour, false)

	var got string
	h := LoadSession(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = SessionID(r.Context())
	}))

	r := newRequest(t, http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Empty(t, got)

	r = newRequest(t, http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "tampered"})
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Empty(t, got)

	token, _, err := sm.Issue("sid-9")
	require.NoError(t, err)
	r = newRequest(t, http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "sid-9", got)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u-1",
		"exp": exp.Unix(),
	}).SignedString(testSigningKey)
	require.NoError(t, err)

	assert.True(t, exp.Equal(TokenExpiry(token)))
	assert.True(t, TokenExpiry("opaque-token").IsZero())

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u-1"}).SignedString(testSigningKey)
	require.NoError(t, err)
	assert.True(t, TokenExpiry(noExp).IsZero())
}

func TestDeriveSigningKey(t *testing.T) {
	_, err := DeriveSigningKey("too-short")
	assert.Error(t, err)

	secret := string(testSigningKey)
	k1, err := DeriveSigningKey(secret)
	require.NoError(t, err)
	assert.Len(t, k1, 32)
	assert.NotEqual(t, testSigningKey[:32], k1)

	k2, err := DeriveSigningKey(secret)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	other, err := DeriveSigningKey(secret + "!")
	require.NoError(t, err)
	assert.NotEqual(t, k1, other)
}
