// Package observe provides application-wide observability primitives for
// voxline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxline metrics.
const meterName = "github.com/MrWong99/voxline"

// Frame dispositions recorded on [Metrics.CaptureFrames].
const (
	FrameForwarded = "forwarded"
	FrameMuted     = "muted"
	FrameIdle      = "idle"
	FrameDropped   = "dropped"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// NegotiationDuration tracks how long session negotiation takes.
	NegotiationDuration metric.Float64Histogram

	// CallStartDuration tracks the time from start request to the connection
	// becoming ready.
	CallStartDuration metric.Float64Histogram

	// CallDuration tracks the length of completed calls.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// CallStarts counts start attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"cancelled")
	CallStarts metric.Int64Counter

	// CallEnds counts calls leaving the active state. Use with attribute:
	//   attribute.String("reason", "user"|"failed"|"closed")
	CallEnds metric.Int64Counter

	// CaptureFrames counts microphone frames by disposition. Use with attribute:
	//   attribute.String("disposition", FrameForwarded|FrameMuted|FrameIdle|FrameDropped)
	CaptureFrames metric.Int64Counter

	// InboundMessages counts parsed inbound messages. Use with attribute:
	//   attribute.String("type", ...)
	InboundMessages metric.Int64Counter

	// PlaybackChunks counts audio chunks scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// PlaybackGaps counts chunks that started later than the cursor because
	// the producer fell behind real time.
	PlaybackGaps metric.Int64Counter

	// HistorySaves counts conversation records handed to the history store.
	// Use with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	HistorySaves metric.Int64Counter

	// --- Error counters ---

	// DecodeErrors counts inbound audio payloads that could not be decoded.
	DecodeErrors metric.Int64Counter

	// ProtocolErrors counts inbound frames dropped as unparsable or of an
	// unknown type.
	ProtocolErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls is 1 while a call is active and 0 otherwise.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scale latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for call length.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.NegotiationDuration, err = m.Float64Histogram("voxline.negotiation.duration",
		metric.WithDescription("Latency of session negotiation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallStartDuration, err = m.Float64Histogram("voxline.call.start.duration",
		metric.WithDescription("Time from start request until the connection is ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voxline.call.duration",
		metric.WithDescription("Length of completed calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallStarts, err = m.Int64Counter("voxline.call.starts",
		metric.WithDescription("Total call start attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.CallEnds, err = m.Int64Counter("voxline.call.ends",
		metric.WithDescription("Total calls ended by reason."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("voxline.capture.frames",
		metric.WithDescription("Total microphone frames by disposition."),
	); err != nil {
		return nil, err
	}
	if met.InboundMessages, err = m.Int64Counter("voxline.transport.inbound_messages",
		metric.WithDescription("Total inbound messages by type."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("voxline.playback.chunks",
		metric.WithDescription("Total audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackGaps, err = m.Int64Counter("voxline.playback.gaps",
		metric.WithDescription("Chunks scheduled at the clock because the cursor fell behind."),
	); err != nil {
		return nil, err
	}
	if met.HistorySaves, err = m.Int64Counter("voxline.history.saves",
		metric.WithDescription("Total conversation records saved by backend and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeErrors, err = m.Int64Counter("voxline.playback.decode_errors",
		metric.WithDescription("Inbound audio payloads dropped as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("voxline.transport.protocol_errors",
		metric.WithDescription("Inbound frames dropped as unparsable or of unknown type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxline.active_calls",
		metric.WithDescription("Number of currently active calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame records one captured frame with the given disposition.
func (m *Metrics) RecordFrame(ctx context.Context, disposition string) {
	m.CaptureFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("disposition", disposition)),
	)
}

// RecordInbound records one parsed inbound message of type msgType.
func (m *Metrics) RecordInbound(ctx context.Context, msgType string) {
	m.InboundMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordCallStart records a start attempt. elapsed is only observed for
// successful starts.
func (m *Metrics) RecordCallStart(ctx context.Context, status string, elapsed time.Duration) {
	m.CallStarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	if status == "ok" {
		m.CallStartDuration.Record(ctx, elapsed.Seconds())
	}
}

// RecordCallEnd records a call leaving the active state after d.
func (m *Metrics) RecordCallEnd(ctx context.Context, reason string, d time.Duration) {
	m.CallEnds.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.CallDuration.Record(ctx, d.Seconds())
}

// RecordHistorySave records a history store write.
func (m *Metrics) RecordHistorySave(ctx context.Context, backend, status string) {
	m.HistorySaves.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}
