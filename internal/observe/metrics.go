// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all holovox metrics.
const meterName = "github.com/holovox/holovox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// NegotiationDuration tracks avatar media negotiation latency. Use with
	// attributes: attribute.String("variant", "relay"|"direct"),
	// attribute.String("status", "ok"|"error").
	NegotiationDuration metric.Float64Histogram

	// QueueDelay tracks how far ahead of the playback cursor a newly
	// scheduled chunk sits, i.e. how long it waits before rendering starts.
	QueueDelay metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts captured microphone frames sent to the relay.
	FramesSent metric.Int64Counter

	// ChunksPlayed counts audio chunks handed to the playback scheduler.
	// Use with attribute: attribute.String("source", "relay"|"peer").
	ChunksPlayed metric.Int64Counter

	// ChunksDropped counts relay audio chunks discarded because the peer
	// media session was the authoritative sink.
	ChunksDropped metric.Int64Counter

	// DecodeErrors counts malformed inbound audio payloads.
	DecodeErrors metric.Int64Counter

	// Events counts inbound signaling events by type. Use with attribute:
	//   attribute.String("type", ...)
	Events metric.Int64Counter

	// Interrupts counts barge-in interruptions.
	Interrupts metric.Int64Counter

	// Turns counts completed conversation turns. Use with attribute:
	//   attribute.String("speaker", "user"|"assistant")
	Turns metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for negotiation latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// queueDelayBuckets covers the sub-second range playback buffering lives in.
var queueDelayBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.NegotiationDuration, err = m.Float64Histogram("holovox.avatar.negotiation.duration",
		metric.WithDescription("Latency of avatar media negotiation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.QueueDelay, err = m.Float64Histogram("holovox.playback.queue_delay",
		metric.WithDescription("Wait between scheduling a chunk and the start of its rendering."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(queueDelayBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesSent, err = m.Int64Counter("holovox.capture.frames_sent",
		metric.WithDescription("Total microphone frames sent to the relay."),
	); err != nil {
		return nil, err
	}
	if met.ChunksPlayed, err = m.Int64Counter("holovox.playback.chunks",
		metric.WithDescription("Total audio chunks scheduled for playback by source."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("holovox.playback.chunks_dropped",
		metric.WithDescription("Total relay audio chunks dropped while peer media was authoritative."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("holovox.audio.decode_errors",
		metric.WithDescription("Total malformed inbound audio payloads."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("holovox.signaling.events",
		metric.WithDescription("Total inbound signaling events by type."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("holovox.playback.interrupts",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("holovox.session.turns",
		metric.WithDescription("Total completed conversation turns by speaker."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("holovox.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// RecordEvent records one inbound signaling event.
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordNegotiation records one avatar negotiation attempt.
func (m *Metrics) RecordNegotiation(ctx context.Context, variant, status string, seconds float64) {
	m.NegotiationDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("variant", variant),
			attribute.String("status", status),
		),
	)
}

// RecordTurn records one completed conversation turn.
func (m *Metrics) RecordTurn(ctx context.Context, speaker string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

// RecordChunkPlayed records one chunk handed to the playback scheduler.
func (m *Metrics) RecordChunkPlayed(ctx context.Context, source string) {
	m.ChunksPlayed.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
