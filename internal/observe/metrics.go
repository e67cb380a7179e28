// Package observe provides application-wide observability primitives for
// Attune: OpenTelemetry metrics and structured logging setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Attune metrics.
const meterName = "github.com/attunehq/attune"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TriageDuration tracks triage classification latency.
	TriageDuration metric.Float64Histogram

	// FastFirstFragment tracks time to the fast path's first fragment.
	FastFirstFragment metric.Float64Histogram

	// DeepFirstFragment tracks time from deep reasoner start to its first
	// non-empty fragment (the handoff point).
	DeepFirstFragment metric.Float64Histogram

	// TurnDuration tracks full turn latency from begin to final fragment.
	TurnDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request latency by method and path.
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attribute:
	//   attribute.String("outcome", "completed"|"cancelled"|"crisis")
	Turns metric.Int64Counter

	// ShortCircuits counts short-circuited turns. Use with attribute:
	//   attribute.String("kind", "ellipsis"|"greeting"|"trivial")
	ShortCircuits metric.Int64Counter

	// Handoffs counts fast-to-deep stream handoffs.
	Handoffs metric.Int64Counter

	// TriageFallbacks counts classifier failures recovered by the
	// deterministic fallback.
	TriageFallbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks the number of currently in-flight turns.
	ActiveTurns metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TriageDuration, err = m.Float64Histogram("attune.triage.duration",
		metric.WithDescription("Latency of triage classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FastFirstFragment, err = m.Float64Histogram("attune.fast.first_fragment",
		metric.WithDescription("Time to the fast path's first fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DeepFirstFragment, err = m.Float64Histogram("attune.deep.first_fragment",
		metric.WithDescription("Time from deep reasoner start to its first non-empty fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("attune.turn.duration",
		metric.WithDescription("Full turn latency from begin to final fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("attune.http.request_duration",
		metric.WithDescription("HTTP request latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("attune.turns",
		metric.WithDescription("Total turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ShortCircuits, err = m.Int64Counter("attune.short_circuits",
		metric.WithDescription("Total short-circuited turns by kind."),
	); err != nil {
		return nil, err
	}
	if met.Handoffs, err = m.Int64Counter("attune.handoffs",
		metric.WithDescription("Total fast-to-deep stream handoffs."),
	); err != nil {
		return nil, err
	}
	if met.TriageFallbacks, err = m.Int64Counter("attune.triage.fallbacks",
		metric.WithDescription("Total classifier failures recovered by the deterministic fallback."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTurns, err = m.Int64UpDownCounter("attune.active_turns",
		metric.WithDescription("Number of currently in-flight turns."),
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

// RecordTurn records a completed turn with its outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordShortCircuit records a short-circuited turn with its kind.
func (m *Metrics) RecordShortCircuit(ctx context.Context, kind string) {
	m.ShortCircuits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
