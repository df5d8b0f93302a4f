// Package backend is a typed client for the experiments REST API. Calls
// are made once; failures are returned to the caller without retry.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/felixgeelhaar/labgate/internal/auth"
	"github.com/felixgeelhaar/labgate/internal/metrics"
	"github.com/felixgeelhaar/labgate/internal/telemetry"
	"github.com/felixgeelhaar/labgate/internal/version"
)

const upstreamName = "backend"

// maxDocumentBytes is the default bound on a generated ELN document.
const maxDocumentBytes = 64 << 20

// ErrDocumentTooLarge is returned when a generated document exceeds the
// client's size limit.
var ErrDocumentTooLarge = errors.New("generated document exceeds size limit")

// Config holds backend client configuration.
type Config struct {
	// BaseURL is the API root (required).
	// Example: "https://api.labs.example.com"
	BaseURL string

	// Timeout applies to every call except GenerateELN, whose deadline
	// the caller sets (default: 30s).
	Timeout time.Duration

	// MaxDocumentBytes bounds a generated document (default: 64 MiB).
	MaxDocumentBytes int64

	// Transport is wrapped with tracing (default: http.DefaultTransport).
	Transport http.RoundTripper

	Metrics *metrics.Metrics
}

// Client calls the backend REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxDoc     int64
	userAgent  string
	metrics    *metrics.Metrics
}

// NewClient creates a new backend client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = maxDocumentBytes
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
		},
		timeout:   cfg.Timeout,
		maxDoc:    cfg.MaxDocumentBytes,
		userAgent: version.GetInfo().UserAgent(),
		metrics:   cfg.Metrics,
	}, nil
}

// LoginRequest is the body of a password login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the backend's answer to a password login.
type LoginResponse struct {
	Authenticated bool       `json:"authenticated"`
	AccessToken   string     `json:"access_token,omitempty"`
	RefreshToken  string     `json:"refresh_token,omitempty"`
	ExpiresIn     int        `json:"expires_in,omitempty"`
	User          *auth.User `json:"user,omitempty"`
}

// Document is a generated ELN file.
type Document struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Login checks a password with the backend.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var out LoginResponse
	if err := c.doJSON(ctx, "login", http.MethodPost, "/auth/login", "", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateUser changes a user's display name.
func (c *Client) UpdateUser(ctx context.Context, token, email, name string) (json.RawMessage, error) {
	var out json.RawMessage
	body := map[string]string{"name": name}
	err := c.doJSON(ctx, "update_user", http.MethodPut, "/users/"+url.PathEscape(email), token, nil, body, &out)
	return out, err
}

// RegisterUser adds a user to an organization.
func (c *Client) RegisterUser(ctx context.Context, token, email, orgID string) (json.RawMessage, error) {
	var out json.RawMessage
	body := map[string]string{"email": email, "orgId": orgID}
	err := c.doJSON(ctx, "register_user", http.MethodPost, "/organizations/"+url.PathEscape(orgID)+"/users", token, nil, body, &out)
	return out, err
}

// ListOrganizations returns the organizations visible to token. Both a
// bare array and {"organizations": [...]} are accepted.
func (c *Client) ListOrganizations(ctx context.Context, token string) ([]auth.Organization, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, "list_organizations", http.MethodGet, "/organizations", token, nil, nil, &raw); err != nil {
		return nil, err
	}

	orgs := []auth.Organization{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return orgs, nil
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &orgs); err != nil {
			return nil, fmt.Errorf("failed to decode organizations: %w", err)
		}
		return orgs, nil
	}
	var wrapped struct {
		Organizations []auth.Organization `json:"organizations"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode organizations: %w", err)
	}
	if wrapped.Organizations != nil {
		orgs = wrapped.Organizations
	}
	return orgs, nil
}

// CreateOrganization creates an organization owned by the token's user.
func (c *Client) CreateOrganization(ctx context.Context, token, name string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, "create_organization", http.MethodPost, "/organizations", token, nil, map[string]string{"name": name}, &out)
	return out, err
}

// ExperimentSummary fetches a session or day summary; query is forwarded.
func (c *Client) ExperimentSummary(ctx context.Context, token, orgID, expID string, query url.Values) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, "experiment_summary", http.MethodGet, experimentPath(orgID, expID, "summary"), token, query, nil, &out)
	return out, err
}

// GenerateELN renders the experiment's notebook document. Generation can
// take minutes, so only ctx bounds the call.
func (c *Client) GenerateELN(ctx context.Context, token, orgID, expID string, sendEmail bool) (*Document, error) {
	body := map[string]bool{"send_email": sendEmail}
	resp, err := c.send(ctx, "generate_eln", http.MethodPost, experimentPath(orgID, expID, "generate-eln"), token, nil, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDoc+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	if int64(len(data)) > c.maxDoc {
		return nil, fmt.Errorf("%w (%d bytes)", ErrDocumentTooLarge, c.maxDoc)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &Document{
		Data:        data,
		ContentType: contentType,
		Filename:    documentFilename(resp.Header.Get("Content-Disposition"), contentType, expID),
	}, nil
}

// Ping checks the backend's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, "health", http.MethodGet, "/health", "", nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func experimentPath(orgID, expID, action string) string {
	return "/organizations/" + url.PathEscape(orgID) + "/experiments/" + url.PathEscape(expID) + "/" + action
}

func documentFilename(disposition, contentType, expID string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	name := "experiment-" + expID + "-eln"
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt == "application/pdf" {
		name += ".pdf"
	}
	return name
}

// doJSON runs a call under the default timeout and decodes a JSON body
// into out. An empty body leaves out untouched.
func (c *Client) doJSON(ctx context.Context, op, method, path, token string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.send(ctx, op, method, path, token, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// send performs one request. Non-2xx responses are returned as
// *UpstreamError with the body consumed.
func (c *Client) send(ctx context.Context, op, method, path, token string, query url.Values, body any) (*http.Response, error) {
	ctx, span := telemetry.StartUpstreamSpan(ctx, upstreamName, op)
	defer span.End()
	start := time.Now()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := "network"
		if errors.Is(err, context.DeadlineExceeded) {
			kind = "timeout"
		}
		c.metrics.ObserveUpstream(upstreamName, op, kind, time.Since(start))
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		upErr := ReadError(resp)
		c.metrics.ObserveUpstream(upstreamName, op, fmt.Sprintf("http_%d", resp.StatusCode), time.Since(start))
		telemetry.RecordError(span, upErr)
		return nil, upErr
	}

	c.metrics.ObserveUpstream(upstreamName, op, "", time.Since(start))
	telemetry.RecordSuccess(span)
	return resp, nil
}
