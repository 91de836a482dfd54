// Package tracing wraps the OpenTelemetry SDK behind two calls: Setup at
// boot and StartSpan everywhere else. When Setup never ran, StartSpan is a
// pass-through and spans cost nothing.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

// StartSpan opens a child span on ctx. With tracing disabled it returns the
// context unchanged and a no-op span that is still safe to End.
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName)
}

// GetTraceID returns the current trace id, or "" when the context carries no
// recorded span. The error middleware puts it in error responses.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
