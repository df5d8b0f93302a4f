// Package oidc implements the hosted-UI login against an AWS Cognito user
// pool: authorization code with PKCE, refresh grants and ID token
// verification against the pool's JWKS.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/felixgeelhaar/labgate/internal/auth"
	"github.com/felixgeelhaar/labgate/internal/metrics"
	"github.com/felixgeelhaar/labgate/internal/telemetry"
)

const upstreamName = "identity"

// Config holds the user pool client configuration.
type Config struct {
	ClientID string
	// ClientSecret is empty for public app clients.
	ClientSecret string

	// Domain is the hosted UI domain, e.g. "labs.auth.eu-west-1.amazoncognito.com".
	// A value with a scheme is used as is.
	Domain     string
	Region     string
	UserPoolID string

	RedirectURL string

	// Scopes to request (default: openid, email, profile).
	Scopes []string

	// JWKSRefresh is the minimum interval between key set refreshes.
	JWKSRefresh time.Duration

	// IssuerURL overrides the issuer derived from Region and UserPoolID.
	IssuerURL string

	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	// Now is used when checking token expiry (default: time.Now).
	Now func() time.Time
}

// Issuer returns the user pool's token issuer.
func (c *Config) Issuer() string {
	if c.IssuerURL != "" {
		return strings.TrimSuffix(c.IssuerURL, "/")
	}
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.Region, c.UserPoolID)
}

func (c *Config) baseURL() string {
	d := strings.TrimSuffix(c.Domain, "/")
	if strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://") {
		return d
	}
	return "https://" + d
}

func validateConfig(cfg *Config) error {
	if cfg.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if cfg.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if cfg.IssuerURL == "" && (cfg.Region == "" || cfg.UserPoolID == "") {
		return fmt.Errorf("region and user pool ID are required")
	}
	if cfg.RedirectURL == "" {
		return fmt.Errorf("redirect URL is required")
	}
	return nil
}

// Provider implements auth.IdentityProvider. Safe for concurrent use.
type Provider struct {
	oauth    *oauth2.Config
	verifier *gooidc.IDTokenVerifier
	keys     *KeySet
	client   *http.Client
	metrics  *metrics.Metrics
}

var _ auth.IdentityProvider = (*Provider)(nil)

// NewProvider creates a Cognito provider. No network calls are made until
// the first login; the key set is fetched lazily.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid identity configuration: %w", err)
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{gooidc.ScopeOpenID, "email", "profile"}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	issuer := cfg.Issuer()
	keys, err := NewKeySet(ctx, issuer+"/.well-known/jwks.json", cfg.JWKSRefresh, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}

	authStyle := oauth2.AuthStyleInParams
	if cfg.ClientSecret != "" {
		authStyle = oauth2.AuthStyleInHeader
	}
	base := cfg.baseURL()

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth2/authorize",
				TokenURL:  base + "/oauth2/token",
				AuthStyle: authStyle,
			},
		},
		verifier: gooidc.NewVerifier(issuer, keys, &gooidc.Config{
			ClientID: cfg.ClientID,
			Now:      cfg.Now,
		}),
		keys:    keys,
		client:  cfg.HTTPClient,
		metrics: cfg.Metrics,
	}, nil
}

// AuthCodeURL returns the hosted UI URL with the S256 challenge for verifier.
func (p *Provider) AuthCodeURL(state, verifier string) string {
	return p.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange trades an authorization code for verified tokens.
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (*auth.TokenSet, error) {
	ctx, span := telemetry.StartUpstreamSpan(ctx, upstreamName, "token_exchange")
	defer span.End()
	start := time.Now()

	tok, err := p.oauth.Exchange(p.withClient(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		p.metrics.ObserveUpstream(upstreamName, "token_exchange", errorKind(err), time.Since(start))
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}

	set, err := p.tokenSet(ctx, tok)
	if err != nil {
		p.metrics.ObserveUpstream(upstreamName, "token_exchange", "invalid_token", time.Since(start))
		telemetry.RecordError(span, err)
		return nil, err
	}
	p.metrics.ObserveUpstream(upstreamName, "token_exchange", "", time.Since(start))
	telemetry.RecordSuccess(span)
	return set, nil
}

// Refresh runs a refresh_token grant. The pool does not rotate refresh
// tokens, so the returned set usually carries the one passed in.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*auth.TokenSet, error) {
	if refreshToken == "" {
		return nil, auth.ErrNoRefreshToken
	}
	ctx, span := telemetry.StartUpstreamSpan(ctx, upstreamName, "refresh")
	defer span.End()
	start := time.Now()

	tok, err := p.oauth.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		p.metrics.ObserveUpstream(upstreamName, "refresh", errorKind(err), time.Since(start))
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	set, err := p.tokenSet(ctx, tok)
	if err != nil {
		p.metrics.ObserveUpstream(upstreamName, "refresh", "invalid_token", time.Since(start))
		telemetry.RecordError(span, err)
		return nil, err
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	p.metrics.ObserveUpstream(upstreamName, "refresh", "", time.Since(start))
	telemetry.RecordSuccess(span)
	return set, nil
}

// Ping reports whether the pool's signing keys are reachable.
func (p *Provider) Ping(ctx context.Context) error {
	return p.keys.Ping(ctx)
}

func (p *Provider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

type idClaims struct {
	Subject  string `json:"sub"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Username string `json:"cognito:username"`
}

// tokenSet verifies the ID token in tok and builds the result.
func (p *Provider) tokenSet(ctx context.Context, tok *oauth2.Token) (*auth.TokenSet, error) {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, errors.New("no id_token in token response")
	}
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims idClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}
	name := claims.Name
	if name == "" {
		name = claims.Username
	}
	user := &auth.User{ID: claims.Subject, Email: claims.Email, Name: name}
	if len(idToken.Audience) > 0 {
		user.Aud = idToken.Audience[0]
	}

	return &auth.TokenSet{
		IDToken:      raw,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    idToken.Expiry,
		User:         user,
	}, nil
}

func errorKind(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			return re.ErrorCode
		}
		if re.Response != nil {
			return "http_" + strconv.Itoa(re.Response.StatusCode)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "network"
}
