// Package health runs dependency checks behind the liveness, readiness and
// startup probes.
//
//	pm := health.NewProbeManager(version.Version)
//	pm.AddChecker(health.NewPingChecker("backend", client))
//	pm.AddChecker(health.NewPingChecker("session-store", store))
package health

import (
	"context"
	"time"
)

// Checker defines the interface for health checks.
type Checker interface {
	// Name is lowercase with hyphens, e.g. "backend-api".
	Name() string

	// Check must respect the context deadline.
	Check(ctx context.Context) *Result
}

// Status represents the health check status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result represents the result of a health check.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency_ns"`
}

// NewResult creates a new health check result with the given status and message.
func NewResult(status Status, message string) *Result {
	return &Result{
		Status:  status,
		Message: message,
		Details: make(map[string]any),
	}
}

// WithDetail adds a detail to the result and returns the result for chaining.
func (r *Result) WithDetail(key string, value any) *Result {
	r.Details[key] = value
	return r
}

// Healthy creates a healthy result with the given message.
func Healthy(message string) *Result { return NewResult(StatusHealthy, message) }

// Degraded creates a degraded result with the given message.
func Degraded(message string) *Result { return NewResult(StatusDegraded, message) }

// Unhealthy creates an unhealthy result with the given message.
func Unhealthy(message string) *Result { return NewResult(StatusUnhealthy, message) }

// Pinger is anything that can prove it is reachable: the backend client,
// the session store, the identity provider's key set.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a Pinger to a Checker. When optional is set a failed
// ping reports degraded instead of unhealthy, so readiness still passes.
type PingChecker struct {
	name     string
	pinger   Pinger
	optional bool
}

// NewPingChecker creates a checker that fails readiness when p is unreachable.
func NewPingChecker(name string, p Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: p}
}

// NewOptionalPingChecker creates a checker that only degrades readiness.
func NewOptionalPingChecker(name string, p Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: p, optional: true}
}

// Name returns the name of this health check.
func (c *PingChecker) Name() string { return c.name }

// Check pings the dependency.
func (c *PingChecker) Check(ctx context.Context) *Result {
	start := time.Now()
	err := c.pinger.Ping(ctx)
	latency := time.Since(start)

	if err == nil {
		r := Healthy(c.name + " reachable")
		r.Latency = latency
		return r
	}

	r := Unhealthy(c.name + " unreachable")
	if c.optional {
		r = Degraded(c.name + " unreachable")
	}
	r.Latency = latency
	return r.WithDetail("error", err.Error())
}
