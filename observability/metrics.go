// Package observability provides an OpenTelemetry metrics listener that
// attaches to the event bus and records queue-wide lifecycle counts.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stashq/stashq/event"
)

// meterName is the instrumentation scope name for queue-level metrics.
const meterName = "github.com/stashq/stashq/observability"

// Metrics records lifecycle metrics for every job flowing through the
// queue. Attach it to an event bus to automatically track enqueue,
// start, completion, failure, and removal counts plus terminal durations.
type Metrics struct {
	enqueued  metric.Int64Counter
	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	removed   metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewMetrics creates a Metrics listener using the global MeterProvider.
// With no provider configured the instruments are noops.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates a Metrics listener with the provided meter.
// Use a test MeterProvider to verify recorded values.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}

	// Errors yield noop instruments per the OTel API contract.
	m.enqueued, _ = meter.Int64Counter("stashq.jobs.enqueued",
		metric.WithDescription("Jobs persisted in inactive state"),
		metric.WithUnit("{job}"))
	m.started, _ = meter.Int64Counter("stashq.jobs.started",
		metric.WithDescription("Jobs claimed by a worker"),
		metric.WithUnit("{job}"))
	m.completed, _ = meter.Int64Counter("stashq.jobs.completed",
		metric.WithDescription("Jobs finished successfully"),
		metric.WithUnit("{job}"))
	m.failed, _ = meter.Int64Counter("stashq.jobs.failed",
		metric.WithDescription("Jobs that reached the failure state"),
		metric.WithUnit("{job}"))
	m.removed, _ = meter.Int64Counter("stashq.jobs.removed",
		metric.WithDescription("Jobs removed from storage"),
		metric.WithUnit("{job}"))
	m.duration, _ = meter.Float64Histogram("stashq.job.duration",
		metric.WithDescription("Terminal job duration in seconds"),
		metric.WithUnit("s"))

	return m
}

// Attach subscribes the listener to the bus. The returned func detaches it.
func (m *Metrics) Attach(bus *event.Bus) (detach func()) {
	unsubs := []func(){
		bus.Subscribe(event.KindEnqueue, m.onEvent(m.enqueued)),
		bus.Subscribe(event.KindStart, m.onEvent(m.started)),
		bus.Subscribe(event.KindComplete, m.onTerminal(m.completed)),
		bus.Subscribe(event.KindFailure, m.onTerminal(m.failed)),
		bus.Subscribe(event.KindRemove, m.onEvent(m.removed)),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (m *Metrics) onEvent(counter metric.Int64Counter) event.Handler {
	return func(evt event.Event) {
		counter.Add(context.Background(), 1, typeAttr(evt))
	}
}

func (m *Metrics) onTerminal(counter metric.Int64Counter) event.Handler {
	return func(evt event.Event) {
		attrs := typeAttr(evt)
		counter.Add(context.Background(), 1, attrs)
		if evt.Job != nil && evt.Job.Duration != nil {
			m.duration.Record(context.Background(), float64(*evt.Job.Duration)/1000, attrs)
		}
	}
}

func typeAttr(evt event.Event) metric.MeasurementOption {
	typ := ""
	if evt.Job != nil {
		typ = evt.Job.Type
	}
	return metric.WithAttributes(attribute.String("job_type", typ))
}
