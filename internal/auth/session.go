package auth

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// SessionCookieName is the cookie carrying the signed session ID.
const SessionCookieName = "labgate_session"

// SessionClaims is the payload of the session cookie. It carries only the
// session ID; tokens stay server side.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// SessionManager signs and verifies session cookies with HS256.
type SessionManager struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	secure     bool
	now        func() time.Time
}

// NewSessionManager creates a new session manager.
func NewSessionManager(signingKey []byte, issuer string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		signingKey: signingKey,
		issuer:     issuer,
		ttl:        ttl,
		secure:     secure,
		now:        time.Now,
	}
}

// DeriveSigningKey expands the configured secret into the 32-byte cookie
// signing key with HKDF-SHA256.
func DeriveSigningKey(secret string) ([]byte, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("signing secret must be at least 32 bytes")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("labgate session cookie v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return key, nil
}

// NewSessionID returns a fresh random session ID.
func NewSessionID() string {
	return uuid.NewString()
}

// Issue signs a token for sessionID.
func (sm *SessionManager) Issue(sessionID string) (string, time.Time, error) {
	now := sm.now()
	expiresAt := now.Add(sm.ttl)

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sm.issuer,
			Subject:   sessionID,
			Audience:  jwt.ClaimStrings{sm.issuer},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify validates token and returns the session ID it carries.
func (sm *SessionManager) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrTokenInvalid
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return sm.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sm.issuer),
		jwt.WithAudience(sm.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(sm.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// SetCookie issues a token for sessionID and writes it as an HttpOnly cookie.
func (sm *SessionManager) SetCookie(w http.ResponseWriter, sessionID string) error {
	token, expiresAt, err := sm.Issue(sessionID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(sm.ttl.Seconds()),
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearCookie deletes the session cookie.
func (sm *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionIDFromRequest returns the verified session ID carried by r's
// cookie, or "" if there is none or it does not verify.
func (sm *SessionManager) SessionIDFromRequest(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	id, err := sm.Verify(c.Value)
	if err != nil {
		return ""
	}
	return id
}
