// Package completion calls the text completion API that backs editor
// autocomplete.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/felixgeelhaar/labgate/internal/backend"
	"github.com/felixgeelhaar/labgate/internal/metrics"
	"github.com/felixgeelhaar/labgate/internal/telemetry"
	"github.com/felixgeelhaar/labgate/internal/version"
)

const upstreamName = "completion"

// Request is the text around the cursor.
type Request struct {
	TextBefore   string `json:"textBefore"`
	TextAfter    string `json:"textAfter"`
	Alternatives bool   `json:"alternatives,omitempty"`
}

// Alternative is one of several offered completions.
type Alternative struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Response carries either a single suggestion (possibly none) or a list
// of alternatives.
type Response struct {
	Suggestion   *string
	Alternatives []Alternative
}

// MarshalJSON emits {"alternatives": [...]} when alternatives were
// returned and {"suggestion": string|null} otherwise.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Alternatives != nil {
		return json.Marshal(struct {
			Alternatives []Alternative `json:"alternatives"`
		}{r.Alternatives})
	}
	return json.Marshal(struct {
		Suggestion *string `json:"suggestion"`
	}{r.Suggestion})
}

// UnmarshalJSON accepts either shape.
func (r *Response) UnmarshalJSON(data []byte) error {
	var raw struct {
		Suggestion   *string       `json:"suggestion"`
		Alternatives []Alternative `json:"alternatives"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Suggestion, r.Alternatives = raw.Suggestion, raw.Alternatives
	return nil
}

// Config holds completion client configuration.
type Config struct {
	// URL of the completion endpoint (required).
	URL    string
	APIKey string
	// Timeout per call (default: 20s).
	Timeout   time.Duration
	Transport http.RoundTripper
	Metrics   *metrics.Metrics
}

// Client calls the completion API.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	userAgent  string
	metrics    *metrics.Metrics
}

// NewClient creates a new completion client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("completion URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.Timeout,
		},
		userAgent: version.GetInfo().UserAgent(),
		metrics:   cfg.Metrics,
	}, nil
}

// Complete asks for a continuation of the text around the cursor.
func (c *Client) Complete(ctx context.Context, in Request) (*Response, error) {
	ctx, span := telemetry.StartUpstreamSpan(ctx, upstreamName, "complete")
	defer span.End()
	start := time.Now()

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := "network"
		if errors.Is(err, context.DeadlineExceeded) {
			kind = "timeout"
		}
		c.metrics.ObserveUpstream(upstreamName, "complete", kind, time.Since(start))
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upErr := backend.ReadError(resp)
		c.metrics.ObserveUpstream(upstreamName, "complete", fmt.Sprintf("http_%d", resp.StatusCode), time.Since(start))
		telemetry.RecordError(span, upErr)
		return nil, upErr
	}

	var out Response
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read completion response: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			c.metrics.ObserveUpstream(upstreamName, "complete", "decode", time.Since(start))
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("failed to decode completion response: %w", err)
		}
	}
	c.metrics.ObserveUpstream(upstreamName, "complete", "", time.Since(start))
	telemetry.RecordSuccess(span)
	return &out, nil
}
