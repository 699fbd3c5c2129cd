// Package observe provides application-wide observability primitives for
// streamscribe: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the /metrics endpoint served alongside HealthEndpoint. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all streamscribe
// metrics.
const meterName = "github.com/streamscribe/streamscribe"

// Metrics holds all OpenTelemetry metric instruments for the pipeline. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// IngestDuration tracks time spent reading one audio frame from a
	// MediaSource.
	IngestDuration metric.Float64Histogram

	// VADDuration tracks per-frame voice-activity classification latency.
	VADDuration metric.Float64Histogram

	// TranscriptionDuration tracks per-segment local speech-to-text
	// latency.
	TranscriptionDuration metric.Float64Histogram

	// PostDuration tracks ChatClient post_in_thread latency.
	PostDuration metric.Float64Histogram

	// --- Counters ---

	// SegmentsDropped counts segments dropped under backpressure or for
	// being below the minimum emitted length.
	SegmentsDropped metric.Int64Counter

	// TranscriptionErrors counts per-segment transcription failures.
	TranscriptionErrors metric.Int64Counter

	// PostRetries counts ChatClient transient-error retries.
	PostRetries metric.Int64Counter

	// SentencesPosted counts sentences successfully posted to a thread.
	SentencesPosted metric.Int64Counter

	// StreamsStarted counts streams that reached RUNNING; StreamsFailed
	// counts streams that reached FAILED.
	StreamsStarted metric.Int64Counter
	StreamsFailed  metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of streams currently in PENDING,
	// RUNNING, or STOPPING.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for the pipeline's per-stage latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.IngestDuration, err = m.Float64Histogram("streamscribe.ingest.duration",
		metric.WithDescription("Latency of reading one audio frame from a MediaSource."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VADDuration, err = m.Float64Histogram("streamscribe.vad.duration",
		metric.WithDescription("Latency of per-frame voice-activity classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("streamscribe.transcription.duration",
		metric.WithDescription("Latency of local speech-to-text transcription per segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PostDuration, err = m.Float64Histogram("streamscribe.post.duration",
		metric.WithDescription("Latency of posting a sentence to the chat platform."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.SegmentsDropped, err = m.Int64Counter("streamscribe.segments.dropped",
		metric.WithDescription("Total segments dropped under backpressure or minimum-length rules."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionErrors, err = m.Int64Counter("streamscribe.transcription.errors",
		metric.WithDescription("Total per-segment transcription failures."),
	); err != nil {
		return nil, err
	}
	if met.PostRetries, err = m.Int64Counter("streamscribe.post.retries",
		metric.WithDescription("Total ChatClient transient-error retries."),
	); err != nil {
		return nil, err
	}
	if met.SentencesPosted, err = m.Int64Counter("streamscribe.sentences.posted",
		metric.WithDescription("Total sentences successfully posted to a thread."),
	); err != nil {
		return nil, err
	}
	if met.StreamsStarted, err = m.Int64Counter("streamscribe.streams.started",
		metric.WithDescription("Total streams that reached RUNNING."),
	); err != nil {
		return nil, err
	}
	if met.StreamsFailed, err = m.Int64Counter("streamscribe.streams.failed",
		metric.WithDescription("Total streams that reached FAILED."),
	); err != nil {
		return nil, err
	}

	if met.ActiveStreams, err = m.Int64UpDownCounter("streamscribe.streams.active",
		metric.WithDescription("Number of streams currently in PENDING, RUNNING, or STOPPING."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("streamscribe.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordTranscriptionError is a convenience method recording a per-segment
// transcription failure.
func (m *Metrics) RecordTranscriptionError(ctx context.Context, streamID string) {
	m.TranscriptionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stream_id", streamID)))
}

// RecordSegmentDropped is a convenience method recording a dropped segment
// with its reason ("backpressure" or "too_short").
func (m *Metrics) RecordSegmentDropped(ctx context.Context, streamID, reason string) {
	m.SegmentsDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream_id", streamID),
		attribute.String("reason", reason),
	))
}
