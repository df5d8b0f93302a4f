package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSet is the result of a code exchange or refresh grant.
type TokenSet struct {
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
	User         *User
}

// IdentityProvider is the hosted login service.
type IdentityProvider interface {
	// AuthCodeURL returns the authorization endpoint URL for a login
	// bound to state, with the PKCE challenge derived from verifier.
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// TokenExpiry reads the exp claim of a JWT without verifying it. It
// returns the zero time when token is not a JWT or has no exp.
func TokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
