// Package observe provides application-wide observability primitives for
// Voxgate: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Voxgate metrics.
const meterName = "github.com/voxgate/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram

	// ProviderDuration tracks upstream provider call latency. Use with
	// attributes: attribute.String("provider", ...), attribute.String("operation", ...)
	ProviderDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("operation", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CacheLookups counts cache gets. Use with attribute:
	//   attribute.String("outcome", "hit"|"miss"|"bypass"|"error")
	CacheLookups metric.Int64Counter

	// RateLimited counts requests rejected by a limiter. Use with attributes:
	//   attribute.String("strategy", ...), attribute.String("route", ...)
	RateLimited metric.Int64Counter

	// QuotaRejections counts requests rejected by quota checks. Use with
	// attribute: attribute.String("window", "hourly"|"daily")
	QuotaRejections metric.Int64Counter

	// RealtimeEvents counts canonical events sent to realtime clients. Use
	// with attribute: attribute.String("type", ...)
	RealtimeEvents metric.Int64Counter

	// AudioSeconds accumulates accepted client audio duration in seconds.
	// Use with attribute: attribute.String("provider", ...)
	AudioSeconds metric.Float64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live realtime sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PausedSessions tracks sessions currently paused for backpressure.
	PausedSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for gateway request latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("voxgate.provider.duration",
		metric.WithDescription("Upstream provider call latency by provider and operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxgate.provider.requests",
		metric.WithDescription("Total provider API requests by provider, operation, and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("voxgate.cache.lookups",
		metric.WithDescription("Total cache lookups by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("voxgate.ratelimit.rejections",
		metric.WithDescription("Total requests rejected by rate limiting, by strategy and route."),
	); err != nil {
		return nil, err
	}
	if met.QuotaRejections, err = m.Int64Counter("voxgate.quota.rejections",
		metric.WithDescription("Total requests rejected by quota checks, by window."),
	); err != nil {
		return nil, err
	}
	if met.RealtimeEvents, err = m.Int64Counter("voxgate.realtime.events",
		metric.WithDescription("Total canonical events emitted to realtime clients, by type."),
	); err != nil {
		return nil, err
	}
	if met.AudioSeconds, err = m.Float64Counter("voxgate.realtime.audio_seconds",
		metric.WithDescription("Accepted client audio duration in seconds, by provider."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.realtime.active_sessions",
		metric.WithDescription("Number of live realtime sessions."),
	); err != nil {
		return nil, err
	}
	if met.PausedSessions, err = m.Int64UpDownCounter("voxgate.realtime.paused_sessions",
		metric.WithDescription("Number of sessions paused for backpressure."),
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, operation, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

// RecordCacheLookup records a cache lookup with its outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, outcome string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordRateLimited records a limiter rejection.
func (m *Metrics) RecordRateLimited(ctx context.Context, strategy, route string) {
	m.RateLimited.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("strategy", strategy),
			attribute.String("route", route),
		),
	)
}

// RecordRealtimeEvent records a canonical event emission.
func (m *Metrics) RecordRealtimeEvent(ctx context.Context, eventType string) {
	m.RealtimeEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}
