package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voxline tracer.
const tracerName = "github.com/MrWong99/voxline"

// AttrCallID carries the call id on call-scoped spans.
const AttrCallID = attribute.Key("voxline.call.id")

// Tracer returns the package-level [trace.Tracer] for voxline. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan is [StartSpan] for work that belongs to one call. An empty
// callID adds no attribute.
func StartCallSpan(ctx context.Context, name, callID string) (context.Context, trace.Span) {
	if callID == "" {
		return StartSpan(ctx, name)
	}
	return StartSpan(ctx, name, trace.WithAttributes(AttrCallID.String(callID)))
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
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

// CallLogger is [Logger] with the call_id attribute attached. An empty id is
// omitted.
func CallLogger(ctx context.Context, callID string) *slog.Logger {
	l := Logger(ctx)
	if callID != "" {
		l = l.With(slog.String("call_id", callID))
	}
	return l
}
