// Package observe provides application-wide observability primitives for
// Candor: OpenTelemetry metrics with a Prometheus exporter bridge and HTTP
// middleware. A package-level default [Metrics] instance ([DefaultMetrics])
// is provided for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Candor metrics.
const meterName = "github.com/candor-ai/candor"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks speech recognition latency by kind (partial|final).
	ASRDuration metric.Float64Histogram

	// LLMDuration tracks time-to-last-token of LLM completions.
	LLMDuration metric.Float64Histogram

	// LLMFirstToken tracks time-to-first-token of streaming completions.
	LLMFirstToken metric.Float64Histogram

	// --- Counters ---

	// FramesDropped counts audio frames discarded by backpressure, by reason
	// (enqueue|drain).
	FramesDropped metric.Int64Counter

	// Transcripts counts emitted transcript events by kind (partial|final).
	Transcripts metric.Int64Counter

	// LLMRetries counts LLM request retries by reason.
	LLMRetries metric.Int64Counter

	// ASRErrors counts failed recognitions by kind.
	ASRErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live audio sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveAgentStreams tracks in-flight agent answer streams.
	ActiveAgentStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// interactive speech and LLM latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ASRDuration, err = m.Float64Histogram("candor.asr.duration",
		metric.WithDescription("Latency of speech recognition by kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("candor.llm.duration",
		metric.WithDescription("Time to last token of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("candor.llm.first_token",
		metric.WithDescription("Time to first token of streaming LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesDropped, err = m.Int64Counter("candor.audio.frames_dropped",
		metric.WithDescription("Audio frames discarded by backpressure, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("candor.transcripts",
		metric.WithDescription("Emitted transcript events by kind."),
	); err != nil {
		return nil, err
	}
	if met.LLMRetries, err = m.Int64Counter("candor.llm.retries",
		metric.WithDescription("LLM request retries by reason."),
	); err != nil {
		return nil, err
	}
	if met.ASRErrors, err = m.Int64Counter("candor.asr.errors",
		metric.WithDescription("Failed recognitions by kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("candor.active_sessions",
		metric.WithDescription("Number of live audio sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveAgentStreams, err = m.Int64UpDownCounter("candor.active_agent_streams",
		metric.WithDescription("Number of in-flight agent answer streams."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("candor.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordASR records one recognition with its latency and outcome kind
// ("partial" or "final").
func (m *Metrics) RecordASR(ctx context.Context, seconds float64, kind string) {
	m.ASRDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordASRError counts one failed recognition.
func (m *Metrics) RecordASRError(ctx context.Context, kind string) {
	m.ASRErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordFramesDropped counts n frames discarded for the given reason.
func (m *Metrics) RecordFramesDropped(ctx context.Context, n int64, reason string) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscript counts one emitted transcript event.
func (m *Metrics) RecordTranscript(ctx context.Context, kind string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordLLMRetry counts one LLM retry for the given reason.
func (m *Metrics) RecordLLMRetry(ctx context.Context, reason string) {
	m.LLMRetries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
