// Package observe provides the observability primitives for Hemdan:
// OpenTelemetry metrics and traces, trace-aware logging, and the HTTP
// middleware and client transport that tie them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping by the Prometheus exporter configured in [InitProvider]. Tests
// should build their own [Metrics] with [NewMetrics] and a private
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/hemdan"

// Metrics holds all metric instruments of the application. The underlying
// OTel types are safe for concurrent use.
type Metrics struct {
	// LLMDuration tracks generation and classification latency.
	LLMDuration metric.Float64Histogram

	// EmbedDuration tracks text and image embedding latency. Attribute:
	//   attribute.String("kind", "text"|"image")
	EmbedDuration metric.Float64Histogram

	// IdentifyDuration tracks full place identification latency.
	IdentifyDuration metric.Float64Histogram

	// RetrieveDuration tracks lore and memory retrieval latency.
	RetrieveDuration metric.Float64Histogram

	// IdentifyOutcomes counts identification results by outcome.
	IdentifyOutcomes metric.Int64Counter

	// ProviderRequests counts provider calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures by provider and kind.
	ProviderErrors metric.Int64Counter

	// Turns counts completed dialogue turns by intent and degraded flag.
	Turns metric.Int64Counter

	// IngestItems counts items written during ingestion by collection.
	IngestItems metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time by method,
	// route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are in seconds. Image inference over a catalog batch can
// take well over ten seconds, hence the long tail.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.LLMDuration, "hemdan.llm.duration", "Latency of LLM calls."},
		{&met.EmbedDuration, "hemdan.embed.duration", "Latency of embedding calls by kind."},
		{&met.IdentifyDuration, "hemdan.identify.duration", "Latency of place identification."},
		{&met.RetrieveDuration, "hemdan.retrieve.duration", "Latency of lore and memory retrieval."},
		{&met.HTTPRequestDuration, "hemdan.http.request.duration", "HTTP request latency by method, route and status."},
	}
	for _, h := range histograms {
		inst, err := m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil {
			return nil, err
		}
		*h.dst = inst
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.IdentifyOutcomes, "hemdan.identify.outcomes", "Place identification results by outcome."},
		{&met.ProviderRequests, "hemdan.provider.requests", "Provider requests by provider, kind and status."},
		{&met.ProviderErrors, "hemdan.provider.errors", "Provider errors by provider and kind."},
		{&met.Turns, "hemdan.turns", "Dialogue turns by intent and degraded flag."},
		{&met.IngestItems, "hemdan.ingest.items", "Items stored during ingestion by collection."},
	}
	for _, c := range counters {
		inst, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance built on the
// global meter provider. Packages fall back to it when no Metrics is
// injected.
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

// RecordProviderRequest counts one provider call. status is "ok", "error",
// or "skipped" when an open breaker short-circuited it.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordLLM records one LLM call of kind "classify", "generate" or "stream".
func (m *Metrics) RecordLLM(ctx context.Context, kind string, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordIdentify records the latency and outcome of one identification.
func (m *Metrics) RecordIdentify(ctx context.Context, outcome string, d time.Duration) {
	m.IdentifyDuration.Record(ctx, d.Seconds())
	m.IdentifyOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordEmbed records an embedding call of kind "text" or "image".
func (m *Metrics) RecordEmbed(ctx context.Context, kind string, d time.Duration) {
	m.EmbedDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRetrieve records one retrieval against collection.
func (m *Metrics) RecordRetrieve(ctx context.Context, collection string, d time.Duration) {
	m.RetrieveDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("collection", collection)))
}

// RecordTurn counts one finished dialogue turn.
func (m *Metrics) RecordTurn(ctx context.Context, intent string, degraded bool) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("intent", intent),
		attribute.String("degraded", strconv.FormatBool(degraded)),
	))
}

// RecordIngest counts n items stored into collection.
func (m *Metrics) RecordIngest(ctx context.Context, collection string, n int) {
	m.IngestItems.Add(ctx, int64(n), metric.WithAttributes(attribute.String("collection", collection)))
}
