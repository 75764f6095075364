// Package observe provides observability primitives for the coach:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware.
//
// Metrics go through the OpenTelemetry Metrics API and are exposed for
// scraping through the Prometheus exporter bridge set up by [InitProvider].
// [DefaultMetrics] returns a package-level instance bound to the global
// provider; tests should use [NewMetrics] with their own provider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/Soolking-cyber/IELTS-TEMPLATE"

// Metrics holds every instrument. The OTel types synchronise themselves.
type Metrics struct {
	// SessionOpenDuration tracks time from dial to setup acknowledgement.
	SessionOpenDuration metric.Float64Histogram

	// GenerationDuration tracks one-shot generation latency. Attribute:
	//   attribute.String("kind", "cue_card"|"feedback")
	GenerationDuration metric.Float64Histogram

	// HTTPRequestDuration tracks UI bridge request latency.
	HTTPRequestDuration metric.Float64Histogram

	// AudioChunks counts inbound audio payloads. Attribute:
	//   attribute.String("status", "scheduled"|"dropped")
	AudioChunks metric.Int64Counter

	// FramesSent counts outbound capture frames handed to a session.
	FramesSent metric.Int64Counter

	// Interruptions counts barge-in events.
	Interruptions metric.Int64Counter

	// TranscriptFragments counts transcription fragments. Attribute:
	//   attribute.String("speaker", ...)
	TranscriptFragments metric.Int64Counter

	// CreditsCharged counts seconds deducted from balances.
	CreditsCharged metric.Int64Counter

	// StoreErrors counts failed persistence calls. Attribute:
	//   attribute.String("op", ...)
	StoreErrors metric.Int64Counter

	// GenerationErrors counts failed generation attempts. Attribute:
	//   attribute.String("kind", ...)
	GenerationErrors metric.Int64Counter

	// PhaseTransitions counts state machine transitions. Attributes:
	//   attribute.String("part", ...), attribute.String("phase", ...)
	PhaseTransitions metric.Int64Counter

	// ActiveSessions tracks open live sessions.
	ActiveSessions metric.Int64UpDownCounter
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionOpenDuration, err = m.Float64Histogram("ielts.session.open.duration",
		metric.WithDescription("Latency of opening a live session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("ielts.generation.duration",
		metric.WithDescription("Latency of one-shot generation by kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("ielts.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.AudioChunks, err = m.Int64Counter("ielts.audio.chunks",
		metric.WithDescription("Inbound audio payloads by status."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("ielts.capture.frames_sent",
		metric.WithDescription("Outbound capture frames sent to the live session."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("ielts.audio.interruptions",
		metric.WithDescription("Barge-in interruptions received."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptFragments, err = m.Int64Counter("ielts.transcript.fragments",
		metric.WithDescription("Transcription fragments by speaker."),
	); err != nil {
		return nil, err
	}
	if met.CreditsCharged, err = m.Int64Counter("ielts.credits.charged",
		metric.WithDescription("Seconds of credit deducted."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("ielts.store.errors",
		metric.WithDescription("Failed persistence calls by operation."),
	); err != nil {
		return nil, err
	}
	if met.GenerationErrors, err = m.Int64Counter("ielts.generation.errors",
		metric.WithDescription("Failed generation attempts by kind."),
	); err != nil {
		return nil, err
	}
	if met.PhaseTransitions, err = m.Int64Counter("ielts.conversation.transitions",
		metric.WithDescription("Conversation state transitions by part and phase."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("ielts.active_sessions",
		metric.WithDescription("Number of open live sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] bound to the global
// meter provider. It panics if instrument creation fails.
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

// RecordGeneration records one generation attempt's latency and, on
// failure, an error.
func (m *Metrics) RecordGeneration(ctx context.Context, kind string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.GenerationDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.GenerationErrors.Add(ctx, 1, attrs)
	}
}

// RecordAudioChunk counts one inbound payload.
func (m *Metrics) RecordAudioChunk(ctx context.Context, status string) {
	m.AudioChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStoreError counts one failed persistence call.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordTransition counts one state machine transition.
func (m *Metrics) RecordTransition(ctx context.Context, part, phase string) {
	m.PhaseTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("part", part),
			attribute.String("phase", phase),
		),
	)
}
