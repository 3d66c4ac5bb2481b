// Package observe provides application-wide observability for Emberlore:
// OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs an SDK meter provider with a Prometheus reader so metrics can be
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

// meterName is the instrumentation scope name used for all Emberlore metrics.
const meterName = "github.com/emberlore/emberlore"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// GenerationDuration tracks full-turn generation latency, from request
	// to final chunk. Use with attribute.String("mode", "chat"|"director").
	GenerationDuration metric.Float64Histogram

	// SummarizationDuration tracks memory summarisation latency.
	SummarizationDuration metric.Float64Histogram

	// RetrievalDuration tracks lore retrieval latency per turn.
	RetrievalDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// LoreRetrievals counts retrieval runs. Use with attribute:
	//   attribute.String("base_id", ...)
	LoreRetrievals metric.Int64Counter

	// IndexRebuilds counts lore index cache misses that forced a rebuild.
	IndexRebuilds metric.Int64Counter

	// Summarizations counts memory summarisation attempts. Use with attribute:
	//   attribute.String("status", "ok"|"failed")
	Summarizations metric.Int64Counter

	// --- Gauges ---

	// ActiveGenerations tracks in-flight generations. With single-flight
	// enforcement this is 0 or 1; anything else indicates a bug.
	ActiveGenerations metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("emberlore.generation.duration",
		metric.WithDescription("Latency of a full generation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummarizationDuration, err = m.Float64Histogram("emberlore.summarization.duration",
		metric.WithDescription("Latency of memory summarisation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("emberlore.retrieval.duration",
		metric.WithDescription("Latency of lore retrieval per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("emberlore.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("emberlore.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.LoreRetrievals, err = m.Int64Counter("emberlore.lore.retrievals",
		metric.WithDescription("Total lore retrieval runs by knowledge base."),
	); err != nil {
		return nil, err
	}
	if met.IndexRebuilds, err = m.Int64Counter("emberlore.lore.index_rebuilds",
		metric.WithDescription("Total lore index rebuilds caused by entry changes."),
	); err != nil {
		return nil, err
	}
	if met.Summarizations, err = m.Int64Counter("emberlore.memory.summarizations",
		metric.WithDescription("Total memory summarisation attempts by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveGenerations, err = m.Int64UpDownCounter("emberlore.active_generations",
		metric.WithDescription("Number of in-flight generations."),
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordRetrieval records one lore retrieval run for the given base.
func (m *Metrics) RecordRetrieval(ctx context.Context, baseID string, seconds float64) {
	m.LoreRetrievals.Add(ctx, 1,
		metric.WithAttributes(attribute.String("base_id", baseID)),
	)
	m.RetrievalDuration.Record(ctx, seconds)
}

// RecordSummarization records one summarisation attempt.
func (m *Metrics) RecordSummarization(ctx context.Context, status string, seconds float64) {
	m.Summarizations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.SummarizationDuration.Record(ctx, seconds)
}
