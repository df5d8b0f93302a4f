package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Proxy handler metrics
	ProxyRequests *prometheus.CounterVec
	ProxyDuration *prometheus.HistogramVec

	// Backend call metrics
	UpstreamLatency *prometheus.HistogramVec
	UpstreamErrors  *prometheus.CounterVec

	// Auth metrics
	CodeExchanges   *prometheus.CounterVec
	RefreshAttempts *prometheus.CounterVec
	RefreshTimers   prometheus.Gauge
	RateLimited     *prometheus.CounterVec

	// Error metrics (by gateway error code)
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labgate_proxy_requests_total",
				Help: "Total number of proxied API requests",
			},
			[]string{"handler", "status"},
		),
		ProxyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "labgate_proxy_duration_seconds",
				Help:    "End-to-end proxy handler duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120, 600},
			},
			[]string{"handler"},
		),

		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "labgate_upstream_latency_seconds",
				Help:    "Backend and completion API call latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120, 600},
			},
			[]string{"upstream", "operation"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labgate_upstream_errors_total",
				Help: "Total number of failed backend and completion API calls",
			},
			[]string{"upstream", "operation", "kind"},
		),

		CodeExchanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labgate_code_exchanges_total",
				Help: "Authorization code exchanges by outcome",
			},
			[]string{"outcome"},
		),
		RefreshAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labgate_refresh_attempts_total",
				Help: "Token refresh attempts by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		RefreshTimers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "labgate_refresh_timers",
				Help: "Number of sessions with a pending or running token refresh",
			},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labgate_rate_limited_total",
				Help: "Requests rejected by the per-client rate limiter",
			},
			[]string{"handler"},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labgate_errors_total",
				Help: "Total number of errors by error code",
			},
			[]string{"error_code", "component"},
		),
	}
}

// ObserveProxy records one completed proxy request.
func (m *Metrics) ObserveProxy(handler string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.ProxyDuration.WithLabelValues(handler).Observe(d.Seconds())
}

// ObserveUpstream records one outbound call. kind is empty on success.
func (m *Metrics) ObserveUpstream(upstream, operation, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(upstream, operation).Observe(d.Seconds())
	if kind != "" {
		m.UpstreamErrors.WithLabelValues(upstream, operation, kind).Inc()
	}
}

// CodeExchange records an exchange outcome: success, failure, replay or shared.
func (m *Metrics) CodeExchange(outcome string) {
	if m == nil {
		return
	}
	m.CodeExchanges.WithLabelValues(outcome).Inc()
}

// RefreshAttempt records a refresh attempt. trigger is timer or manual.
func (m *Metrics) RefreshAttempt(trigger string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.RefreshAttempts.WithLabelValues(trigger, outcome).Inc()
}

// SetRefreshTimers sets the number of sessions with a refresh scheduled.
func (m *Metrics) SetRefreshTimers(n int) {
	if m == nil {
		return
	}
	m.RefreshTimers.Set(float64(n))
}

// Limited records a rate-limited request.
func (m *Metrics) Limited(handler string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(handler).Inc()
}

// Error records an error by code and component.
func (m *Metrics) Error(code, component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(code, component).Inc()
}
