package telemetry

// Config holds configuration for the tracer
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Enabled determines whether tracing is enabled. When false, a noop
	// tracer is installed and otelhttp spans cost nothing.
	Enabled bool

	// Endpoint is the OTLP/HTTP collector endpoint. Empty means spans are
	// sampled but not exported.
	Endpoint string

	// SampleRate is the fraction of traces to sample (0.0 to 1.0)
	SampleRate float64
}

// DefaultConfig has tracing disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "labgate",
		ServiceVersion: "dev",
		Environment:    "development",
		SampleRate:     1.0,
	}
}
