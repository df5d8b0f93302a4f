package oidc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// KeySet verifies ID token signatures against the user pool's JWKS. Keys
// are cached and refreshed in the background.
type KeySet struct {
	cache *jwk.Cache
	url   string
}

// NewKeySet registers jwksURL with a refreshing cache. The cache lives
// until ctx is done.
func NewKeySet(ctx context.Context, jwksURL string, refresh time.Duration, client *http.Client) (*KeySet, error) {
	if refresh <= 0 {
		refresh = 15 * time.Minute
	}
	opts := []jwk.RegisterOption{jwk.WithMinRefreshInterval(refresh)}
	if client != nil {
		opts = append(opts, jwk.WithHTTPClient(client))
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS cache: %w", err)
	}
	return &KeySet{cache: cache, url: jwksURL}, nil
}

// VerifySignature implements the go-oidc KeySet interface.
func (k *KeySet) VerifySignature(ctx context.Context, token string) ([]byte, error) {
	set, err := k.cache.Get(ctx, k.url)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}
	payload, err := jws.Verify([]byte(token), jws.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)))
	if err != nil {
		return nil, fmt.Errorf("failed to verify signature: %w", err)
	}
	return payload, nil
}

// Ping reports whether the key set can be fetched.
func (k *KeySet) Ping(ctx context.Context) error {
	set, err := k.cache.Get(ctx, k.url)
	if err != nil {
		return fmt.Errorf("failed to get JWKS: %w", err)
	}
	if set.Len() == 0 {
		return fmt.Errorf("JWKS at %s has no keys", k.url)
	}
	return nil
}
