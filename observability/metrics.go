// Package observability provides OpenTelemetry instrumentation for the
// query bus: a Monitor recording dispatch metrics and a dispatch
// interceptor wrapping each query in a span.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mnegacz/querybus"
	"github.com/mnegacz/querybus/query"
)

// meterName is the instrumentation scope name for query bus metrics.
const meterName = "github.com/mnegacz/querybus"

// MetricsMonitor is a querybus.Monitor recording per-query metrics.
//
// Instruments:
//   - querybus.query.duration (Float64Histogram): time from ingestion to
//     outcome in seconds, with attributes: query, outcome
//   - querybus.query.dispatches (Int64Counter): total dispatches,
//     with attributes: query, outcome ("success", "failure" or "ignored")
type MetricsMonitor struct {
	duration   metric.Float64Histogram
	dispatches metric.Int64Counter
}

// NewMetricsMonitor creates a monitor using the global OTel MeterProvider.
// Without a configured provider the instruments are noops and the monitor
// is a pass-through.
func NewMetricsMonitor() *MetricsMonitor {
	return NewMetricsMonitorWithMeter(otel.Meter(meterName))
}

// NewMetricsMonitorWithMeter creates a monitor using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func NewMetricsMonitorWithMeter(meter metric.Meter) *MetricsMonitor {
	// Create instruments once at construction time. OTel instruments are
	// safe for concurrent use. On error, the API returns noop instruments
	// so the monitor degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"querybus.query.duration",
		metric.WithDescription("Time from query ingestion to outcome in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	dispatches, cErr := meter.Int64Counter(
		"querybus.query.dispatches",
		metric.WithDescription("Total number of query dispatches"),
		metric.WithUnit("{dispatch}"),
	)
	_ = cErr // noop fallback guaranteed by OTel API contract

	return &MetricsMonitor{duration: duration, dispatches: dispatches}
}

// OnIngested implements querybus.Monitor.
func (m *MetricsMonitor) OnIngested(msg *query.Message) querybus.MonitorCallback {
	return &metricsCallback{
		monitor: m,
		name:    msg.Name(),
		start:   time.Now(),
	}
}

type metricsCallback struct {
	monitor *MetricsMonitor
	name    string
	start   time.Time
}

func (c *metricsCallback) Success()      { c.record("success") }
func (c *metricsCallback) Failure(error) { c.record("failure") }
func (c *metricsCallback) Ignored()      { c.record("ignored") }

func (c *metricsCallback) record(outcome string) {
	attrs := metric.WithAttributes(
		attribute.String("query", c.name),
		attribute.String("outcome", outcome),
	)
	ctx := context.Background()
	c.monitor.duration.Record(ctx, time.Since(c.start).Seconds(), attrs)
	c.monitor.dispatches.Add(ctx, 1, attrs)
}
