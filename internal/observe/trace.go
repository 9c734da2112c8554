package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the tracer.
const tracerName = "github.com/ZJR-FZD/Libai-Chat"

// Tracer returns the package tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] enriched with trace_id and span_id
// from the span in ctx, if any.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// Track runs fn inside a span named after stage and records its latency on
// the matching stage histogram together with a provider request counted as
// "ok" or "error". A nil m only traces.
func Track(ctx context.Context, m *Metrics, stage, provider string, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, stage,
		trace.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("provider", provider),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if m != nil {
		m.RecordStage(ctx, stage, time.Since(start))
	}

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if m != nil {
			m.RecordProviderError(ctx, provider, stage)
		}
	}
	if m != nil {
		m.RecordProviderRequest(ctx, provider, stage, status)
	}
	return err
}
