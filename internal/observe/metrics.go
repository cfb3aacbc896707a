// Package observe provides application-wide observability primitives for
// turnkeeper: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all turnkeeper metrics.
const meterName = "github.com/MrWong99/turnkeeper"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Detection pipeline ---

	// FramesProcessed counts audio frames run through the VAD.
	FramesProcessed metric.Int64Counter

	// FramesDropped counts frames lost to ring buffer overflow.
	FramesDropped metric.Int64Counter

	// Segments counts finalized speech segments. Use with attribute:
	//   attribute.String("speaker", ...)
	Segments metric.Int64Counter

	// SegmentsDiscarded counts segments that yielded no usable pitch.
	SegmentsDiscarded metric.Int64Counter

	// Events counts emitted conversational events. Use with attribute:
	//   attribute.String("type", ...)
	Events metric.Int64Counter

	// SinkErrors counts failed event deliveries. Use with attribute:
	//   attribute.String("sink", ...)
	SinkErrors metric.Int64Counter

	// --- Histograms ---

	// PitchHz records the estimated pitch of classified segments.
	PitchHz metric.Float64Histogram

	// ResponseLatency records the latency of return events.
	ResponseLatency metric.Float64Histogram

	// FrameDuration records the processing time of one frame tick.
	FrameDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of running detection sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversational response latencies.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 2.5, 3, 5,
}

// frameBuckets covers per-frame processing time (in seconds).
var frameBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.03,
}

// pitchBuckets spans the adult and child fundamental frequency ranges (Hz).
var pitchBuckets = []float64{
	75, 100, 125, 150, 175, 200, 225, 250, 280, 320, 360, 400, 450, 500,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("turnkeeper.frames.processed",
		metric.WithDescription("Audio frames processed by the voice activity detector."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("turnkeeper.frames.dropped",
		metric.WithDescription("Audio frames lost to capture buffer overflow."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("turnkeeper.segments",
		metric.WithDescription("Finalized speech segments by speaker class."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDiscarded, err = m.Int64Counter("turnkeeper.segments.discarded",
		metric.WithDescription("Speech segments without a usable pitch estimate."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("turnkeeper.events",
		metric.WithDescription("Conversational events emitted by type."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("turnkeeper.sink.errors",
		metric.WithDescription("Event deliveries that failed, by sink."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.PitchHz, err = m.Float64Histogram("turnkeeper.pitch.hz",
		metric.WithDescription("Estimated fundamental frequency of classified segments."),
		metric.WithUnit("Hz"),
		metric.WithExplicitBucketBoundaries(pitchBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("turnkeeper.response.latency",
		metric.WithDescription("Latency between a child serve and the adult return."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameDuration, err = m.Float64Histogram("turnkeeper.frame.duration",
		metric.WithDescription("Processing time of a single audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("turnkeeper.active_sessions",
		metric.WithDescription("Number of running detection sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("turnkeeper.http.request.duration",
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

// RecordEvent records an emitted event of the given type.
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordSegment records a finalized segment. Segments of unknown speakers are
// also counted as discarded.
func (m *Metrics) RecordSegment(ctx context.Context, speaker string) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
	if speaker == "unknown" {
		m.SegmentsDiscarded.Add(ctx, 1)
	}
}

// RecordSinkError records a failed delivery to the named sink.
func (m *Metrics) RecordSinkError(ctx context.Context, sink string) {
	m.SinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}
