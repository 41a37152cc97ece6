package event_test

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stashq/stashq/event"
	"github.com/stashq/stashq/job"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func TestBus_SubscribeReceives(t *testing.T) {
	t.Parallel()
	bus := event.NewBus(slog.Default())
	defer bus.Close()

	got := make(chan event.Event, 1)
	bus.Subscribe(event.KindComplete, func(evt event.Event) {
		got <- evt
	})

	j := job.New("email")
	bus.EmitJobCompleted(j, "ok")

	select {
	case evt := <-got:
		if evt.Kind != event.KindComplete {
			t.Errorf("Kind = %q, want %q", evt.Kind, event.KindComplete)
		}
		if evt.Job != j {
			t.Error("event carries the wrong job")
		}
		if evt.Result != "ok" {
			t.Errorf("Result = %v, want %q", evt.Result, "ok")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_DeliveryOrder(t *testing.T) {
	t.Parallel()
	bus := event.NewBus(slog.Default())
	defer bus.Close()

	var seen []int
	done := make(chan struct{})
	bus.Subscribe(event.KindProgress, func(evt event.Event) {
		seen = append(seen, evt.Progress)
		if len(seen) == 3 {
			close(done)
		}
	})

	j := job.New("encode")
	bus.EmitJobProgress(j, 10)
	bus.EmitJobProgress(j, 50)
	bus.EmitJobProgress(j, 100)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}
	for i, want := range []int{10, 50, 100} {
		if seen[i] != want {
			t.Errorf("seen[%d] = %d, want %d", i, seen[i], want)
		}
	}
}

func TestBus_KindsAreIndependent(t *testing.T) {
	t.Parallel()
	bus := event.NewBus(slog.Default())
	defer bus.Close()

	var failures, completions atomic.Int32
	bus.Subscribe(event.KindFailure, func(event.Event) { failures.Add(1) })
	bus.Subscribe(event.KindComplete, func(event.Event) { completions.Add(1) })

	j := job.New("email")
	bus.EmitJobCompleted(j, nil)
	bus.EmitJobCompleted(j, nil)

	waitFor(t, "complete events", func() bool { return completions.Load() == 2 })
	if failures.Load() != 0 {
		t.Errorf("failure handler ran %d times, want 0", failures.Load())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()
	bus := event.NewBus(slog.Default())
	defer bus.Close()

	var count atomic.Int32
	unsub := bus.Subscribe(event.KindEnqueue, func(event.Event) { count.Add(1) })

	j := job.New("email")
	bus.EmitJobEnqueued(j)
	waitFor(t, "first event", func() bool { return count.Load() == 1 })

	unsub()
	bus.EmitJobEnqueued(j)

	// Give a dropped delivery a moment to (not) arrive.
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("handler ran %d times after unsubscribe, want 1", count.Load())
	}
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	t.Parallel()
	bus := event.NewBus(slog.Default())
	defer bus.Close()

	bus.Subscribe(event.KindError, func(event.Event) { panic("boom") })

	var delivered atomic.Bool
	bus.Subscribe(event.KindError, func(event.Event) { delivered.Store(true) })

	bus.EmitError(errors.New("storage down"), nil)

	waitFor(t, "delivery past the panicking handler", func() bool { return delivered.Load() })
}

func TestBus_EmitAfterCloseIsDiscarded(t *testing.T) {
	t.Parallel()
	bus := event.NewBus(slog.Default())

	var count atomic.Int32
	bus.Subscribe(event.KindRemove, func(event.Event) { count.Add(1) })

	bus.Close()
	bus.EmitJobRemoved(job.New("email"))

	time.Sleep(50 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("handler ran %d times after close, want 0", count.Load())
	}
}
