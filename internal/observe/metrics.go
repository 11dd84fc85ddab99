// Package observe provides the gateway's observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge, plus HTTP
// middleware that ties request latency into the same meter.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
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

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/sonju-ai/sonju-gateway"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use.
type Metrics struct {
	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// UpstreamEvents counts upstream realtime events by kind.
	UpstreamEvents metric.Int64Counter

	// ToolCalls counts rag_search dispatches by status
	// (ok, skipped, error, low_confidence).
	ToolCalls metric.Int64Counter

	// ClientErrors counts error envelopes sent to clients by code.
	ClientErrors metric.Int64Counter

	// RetrievalDuration tracks vector-store search latency.
	RetrievalDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time by method and
	// path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// retrieval and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("sonju.active_sessions",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamEvents, err = m.Int64Counter("sonju.upstream.events",
		metric.WithDescription("Total upstream realtime events by kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("sonju.tool.calls",
		metric.WithDescription("Total rag_search dispatches by status."),
	); err != nil {
		return nil, err
	}
	if met.ClientErrors, err = m.Int64Counter("sonju.client.errors",
		metric.WithDescription("Total error envelopes sent to clients by code."),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("sonju.retrieval.duration",
		metric.WithDescription("Latency of vector-store searches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("sonju.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from [otel.GetMeterProvider]. Panics if instrument creation
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

// RecordUpstreamEvent increments the upstream event counter for one kind.
func (m *Metrics) RecordUpstreamEvent(ctx context.Context, kind string) {
	m.UpstreamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordToolCall increments the tool call counter with its outcome status.
func (m *Metrics) RecordToolCall(ctx context.Context, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordClientError increments the client error counter for one code.
func (m *Metrics) RecordClientError(ctx context.Context, code int) {
	m.ClientErrors.Add(ctx, 1, metric.WithAttributes(attribute.Int("code", code)))
}
