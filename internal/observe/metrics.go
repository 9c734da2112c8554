// Package observe provides observability primitives for the voice bridge:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported in
// Prometheus format by [InitProvider]. Tests should build their own [Metrics]
// with [NewMetrics] over a manual reader to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/ZJR-FZD/Libai-Chat"

// Stage names used as the "stage" attribute and in span names.
const (
	StageSTT = "stt"
	StageLLM = "llm"
	StageTTS = "tts"
)

// Reply outcomes recorded on [Metrics.Replies].
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
	OutcomeFallback    = "fallback"
)

// Reasons recorded on [Metrics.UtterancesDropped].
const (
	DropEmptyTranscript = "empty_transcript"
	DropSTTError        = "stt_error"
	DropRouteTimeout    = "route_timeout"
)

// Metrics holds all OpenTelemetry instruments for the application. All
// fields are safe for concurrent use.
type Metrics struct {
	// STTDuration, LLMDuration and TTSDuration track external call latency.
	STTDuration metric.Float64Histogram
	LLMDuration metric.Float64Histogram
	TTSDuration metric.Float64Histogram

	// Replies counts finished reply pipelines by "outcome".
	Replies metric.Int64Counter

	// ChunksSent counts audio chunks written to clients.
	ChunksSent metric.Int64Counter

	// UtterancesDropped counts flushed utterances that produced no reply, by
	// "reason".
	UtterancesDropped metric.Int64Counter

	// FramesDropped counts inbound frames discarded because the ingest queue
	// was full.
	FramesDropped metric.Int64Counter

	// ActiveSessions tracks the number of open client connections.
	ActiveSessions metric.Int64UpDownCounter

	// ProviderRequests counts provider calls by "provider", "kind" and
	// "status".
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures by "provider" and "kind".
	ProviderErrors metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request time by "method" and "path".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds sized for remote
// speech and language model calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	hist := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}
	if met.STTDuration, err = hist("libai.stt.duration", "Latency of speech-to-text transcription."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = hist("libai.llm.duration", "Latency of reply generation."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = hist("libai.tts.duration", "Latency of speech synthesis."); err != nil {
		return nil, err
	}

	if met.Replies, err = m.Int64Counter("libai.replies",
		metric.WithDescription("Finished reply pipelines by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("libai.chunks.sent",
		metric.WithDescription("Audio chunks sent to clients."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesDropped, err = m.Int64Counter("libai.utterances.dropped",
		metric.WithDescription("Flushed utterances that produced no reply, by reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("libai.frames.dropped",
		metric.WithDescription("Inbound frames dropped on a full ingest queue."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("libai.sessions.active",
		metric.WithDescription("Number of open client sessions."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("libai.provider.requests",
		metric.WithDescription("Provider API requests by provider, kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("libai.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("libai.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, created on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the latency of one external call on the histogram that
// matches stage. Unknown stages are ignored.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	var h metric.Float64Histogram
	switch stage {
	case StageSTT:
		h = m.STTDuration
	case StageLLM:
		h = m.LLMDuration
	case StageTTS:
		h = m.TTSDuration
	default:
		return
	}
	h.Record(ctx, d.Seconds())
}

// RecordReply counts a finished reply pipeline.
func (m *Metrics) RecordReply(ctx context.Context, outcome string) {
	m.Replies.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDroppedUtterance counts an utterance that produced no reply.
func (m *Metrics) RecordDroppedUtterance(ctx context.Context, reason string) {
	m.UtterancesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderRequest counts one provider call with its status.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
