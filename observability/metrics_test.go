package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/stashq/stashq/event"
	"github.com/stashq/stashq/job"
	"github.com/stashq/stashq/observability"
)

func collectNames(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func counterValue(m metricdata.Metrics) int64 {
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return -1
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_CountsLifecycle(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	bus := event.NewBus(slog.Default())
	defer bus.Close()

	m := observability.NewMetricsWithMeter(provider.Meter("test"))
	detach := m.Attach(bus)
	defer detach()

	j := job.New("email")
	dur := int64(120)
	j.Duration = &dur

	bus.EmitJobEnqueued(j)
	bus.EmitJobStarted(j)
	bus.EmitJobCompleted(j, nil)
	bus.EmitJobFailed(j, errors.New("x"))
	bus.EmitJobRemoved(j)

	// Delivery is asynchronous; poll until the counters land.
	deadline := time.After(2 * time.Second)
	for {
		metrics := collectNames(t, reader)
		enq, okE := metrics["stashq.jobs.enqueued"]
		rem, okR := metrics["stashq.jobs.removed"]
		if okE && okR && counterValue(enq) == 1 && counterValue(rem) == 1 {
			if c := metrics["stashq.jobs.completed"]; counterValue(c) != 1 {
				t.Errorf("completed = %d, want 1", counterValue(c))
			}
			if f := metrics["stashq.jobs.failed"]; counterValue(f) != 1 {
				t.Errorf("failed = %d, want 1", counterValue(f))
			}
			if s := metrics["stashq.jobs.started"]; counterValue(s) != 1 {
				t.Errorf("started = %d, want 1", counterValue(s))
			}
			if _, ok := metrics["stashq.job.duration"]; !ok {
				t.Error("missing stashq.job.duration histogram")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for metrics")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestMetrics_DetachStopsCounting(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	bus := event.NewBus(slog.Default())
	defer bus.Close()

	m := observability.NewMetricsWithMeter(provider.Meter("test"))
	detach := m.Attach(bus)

	j := job.New("email")
	bus.EmitJobEnqueued(j)

	deadline := time.After(2 * time.Second)
	for {
		metrics := collectNames(t, reader)
		if enq, ok := metrics["stashq.jobs.enqueued"]; ok && counterValue(enq) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the first count")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	detach()
	bus.EmitJobEnqueued(j)
	time.Sleep(50 * time.Millisecond)

	metrics := collectNames(t, reader)
	if got := counterValue(metrics["stashq.jobs.enqueued"]); got != 1 {
		t.Errorf("enqueued after detach = %d, want 1", got)
	}
}
