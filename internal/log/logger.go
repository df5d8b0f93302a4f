// Package log wraps log/slog with the attributes the gateway attaches to
// every record: service identity, error codes and trace correlation.
package log

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/labgate/internal/errors"
)

// Logger provides structured logging with slog
type Logger struct {
	slog   *slog.Logger
	config Config
}

// New creates a new Logger with the given configuration
func New(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     config.Level.slogLevel(),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == FormatText {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	base := slog.New(handler)
	if config.ServiceName != "" {
		base = base.With("service", config.ServiceName, "version", config.ServiceVersion)
	}
	return &Logger{slog: base, config: config}
}

// Default creates a logger with default configuration
func Default() *Logger {
	return New(DefaultConfig())
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{slog: slog.New(slog.DiscardHandler), config: DefaultConfig()}
}

// With returns a new Logger with the given attributes added to all log entries
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), config: l.config}
}

// WithError adds error details to the logger. Gateway errors are expanded
// into error_code, status and cause.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}

	var gwErr *errors.GatewayError
	if stderrors.As(err, &gwErr) {
		args := []any{
			"error", gwErr.Message,
			"error_code", string(gwErr.Code),
			"status", gwErr.Status,
		}
		if gwErr.Cause != nil {
			args = append(args, "cause", gwErr.Cause.Error())
		}
		return l.With(args...)
	}

	return l.With("error", err.Error())
}

// WithContext attaches the active span's trace and span IDs, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs an info message
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// DebugContext logs a debug message with context
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.slog.DebugContext(ctx, msg, args...)
}

// InfoContext logs an info message with context
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slog.InfoContext(ctx, msg, args...)
}

// WarnContext logs a warning message with context
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slog.WarnContext(ctx, msg, args...)
}

// ErrorContext logs an error message with context
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slog.ErrorContext(ctx, msg, args...)
}

// LogError logs err at a level derived from its status: 5xx at error,
// everything else at warn.
func (l *Logger) LogError(ctx context.Context, msg string, err error) {
	if err == nil {
		return
	}
	entry := l.WithContext(ctx).WithError(err)
	if errors.StatusOf(err) >= 500 {
		entry.ErrorContext(ctx, msg)
		return
	}
	entry.WarnContext(ctx, msg)
}

// Slog exposes the underlying logger for libraries that accept *slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Config returns the logger configuration
func (l *Logger) Config() Config {
	return l.config
}
