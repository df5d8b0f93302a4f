package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const sessionIDKey contextKey = "labgate_session_id"

// WithSessionID returns ctx carrying the session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID returns the session ID attached by LoadSession, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// LoadSession attaches the verified session ID from the cookie to the
// request context. Requests without a valid cookie pass through untouched.
func LoadSession(sm *SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := sm.SessionIDFromRequest(r); id != "" {
				r = r.WithContext(WithSessionID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerFromHeader extracts the token from an "Authorization: Bearer" header.
func BearerFromHeader(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// BearerToken returns the token to forward to the backend: the inbound
// Authorization header if present, otherwise the session's ID token.
func (c *Container) BearerToken(r *http.Request) string {
	if t := BearerFromHeader(r); t != "" {
		return t
	}
	st, err := c.Get(r.Context(), SessionID(r.Context()))
	if err != nil {
		return ""
	}
	return st.IDToken
}
