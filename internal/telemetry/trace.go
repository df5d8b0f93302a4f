package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartUpstreamSpan creates a client span around a backend or completion
// API call.
func StartUpstreamSpan(ctx context.Context, upstream, operation string) (context.Context, trace.Span) {
	tracer := GetTracerProvider().Tracer("upstream")
	ctx, span := tracer.Start(ctx, upstream+"."+operation, trace.WithSpanKind(trace.SpanKindClient))

	span.SetAttributes(
		attribute.String("upstream", upstream),
		attribute.String("operation", operation),
	)
	return ctx, span
}

// StartAuthSpan creates a span for a login, code exchange or refresh.
//
//	ctx, span := telemetry.StartAuthSpan(ctx, "refresh", sessionID)
//	defer span.End()
func StartAuthSpan(ctx context.Context, operation, sessionID string) (context.Context, trace.Span) {
	tracer := GetTracerProvider().Tracer("auth")
	ctx, span := tracer.Start(ctx, "auth."+operation)

	if sessionID != "" {
		span.SetAttributes(attribute.String("session.id", sessionID))
	}
	return ctx, span
}

// RecordSuccess marks a span as successful with optional result attributes.
func RecordSuccess(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Ok, "")
}

// RecordError records an error in a span and sets error status.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
