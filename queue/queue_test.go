package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stashq/stashq"
	"github.com/stashq/stashq/event"
	"github.com/stashq/stashq/job"
	"github.com/stashq/stashq/queue"
	"github.com/stashq/stashq/store/memory"
)

func newQueue(t *testing.T, opts ...queue.Option) *queue.Queue {
	t.Helper()
	q, err := queue.Create(context.Background(), opts...)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	t.Cleanup(func() {
		q.Shutdown(context.Background(), time.Second)
		q.Close()
	})
	return q
}

func always() bool { return true }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
}

// Priority ordering: a single worker drains same-type jobs smallest
// priority value first, oldest first within equal priority.
func TestProcess_PriorityOrder(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	j1, err := q.CreateJob(ctx, "T")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	j2, err := q.CreateJob(ctx, "T", job.WithPriority(job.PriorityHigh))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	j3, err := q.CreateJob(ctx, "T")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var mu sync.Mutex
	var order []string
	if err := q.Process("T", func(_ context.Context, j *job.Job) (any, error) {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		return nil, nil
	}, 1); err != nil {
		t.Fatalf("process: %v", err)
	}

	waitFor(t, "three executions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{j2.ID, j1.ID, j3.ID}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// FIFO handoff: with two workers parked, a new job goes to the one that
// parked first; the second stays parked.
func TestRequestJob_FIFOHandoff(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	got1 := make(chan *job.Job, 1)
	got2 := make(chan *job.Job, 1)

	go func() {
		j, _ := q.RequestJob(ctx, "T", always)
		got1 <- j
	}()
	time.Sleep(50 * time.Millisecond) // let W1 park first

	go func() {
		j, _ := q.RequestJob(ctx, "T", always)
		got2 <- j
	}()
	time.Sleep(50 * time.Millisecond)

	j, err := q.CreateJob(ctx, "T")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case received := <-got1:
		if received == nil || received.ID != j.ID {
			t.Fatalf("W1 received %v, want %s", received, j.ID)
		}
		if received.State != job.StateActive {
			t.Errorf("handed-off job state = %q, want active", received.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("W1 never resolved")
	}

	select {
	case j2 := <-got2:
		t.Fatalf("W2 resolved with %v, want it to stay parked", j2)
	case <-time.After(100 * time.Millisecond):
	}

	// Unblock W2 so the goroutine exits.
	if _, err := q.CreateJob(ctx, "T"); err != nil {
		t.Fatalf("create: %v", err)
	}
	<-got2
}

// A waiter whose predicate flips to false never resolves with a job; the
// job stays inactive.
func TestShutdown_ParkedWorkerLeavesJobInactive(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	if err := q.Process("T", func(context.Context, *job.Job) (any, error) {
		return nil, nil
	}, 1); err != nil {
		t.Fatalf("process: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the worker park

	if err := q.Shutdown(ctx, 100*time.Millisecond); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	j, err := q.CreateJob(ctx, "T")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	inactive, err := q.ListJobs(ctx, job.StateInactive)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(inactive) != 1 || inactive[0].ID != j.ID {
		t.Fatalf("inactive = %v, want exactly [%s]", inactive, j.ID)
	}
}

// Crash recovery: active rows at startup become failures; nothing else
// changes.
func TestCreate_CrashRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()

	started := time.Now().UTC().Add(-time.Minute)
	active := job.New("T")
	active.State = job.StateActive
	active.StartedAt = &started

	inactive := job.New("T")

	complete := job.New("T")
	complete.State = job.StateComplete

	for _, j := range []*job.Job{active, inactive, complete} {
		if err := s.Insert(ctx, j); err != nil {
			t.Fatalf("preload: %v", err)
		}
	}

	q := newQueue(t, queue.WithStore(s))

	recovered, err := q.FindJob(ctx, active.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if recovered.State != job.StateFailure {
		t.Errorf("recovered state = %q, want failure", recovered.State)
	}
	if recovered.FailedAt == nil {
		t.Error("FailedAt not set by recovery")
	}
	if len(recovered.Logs) == 0 || recovered.Logs[len(recovered.Logs)-1] != "unexpectedly terminated" {
		t.Errorf("Logs = %v, want the recovery message", recovered.Logs)
	}

	unchanged, err := q.FindJob(ctx, inactive.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if unchanged.State != job.StateInactive {
		t.Errorf("inactive job state = %q, want untouched", unchanged.State)
	}

	untouched, err := q.FindJob(ctx, complete.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if untouched.State != job.StateComplete {
		t.Errorf("complete job state = %q, want untouched", untouched.State)
	}
}

// Shutdown timeout: a processor that outlives the deadline is orphaned
// and its job failed with "shutdown timeout".
func TestShutdown_TimeoutFailsRunningJob(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	startedEvents := make(chan event.Event, 1)
	q.On(event.KindStart, func(evt event.Event) {
		select {
		case startedEvents <- evt:
		default:
		}
	})

	release := make(chan struct{})
	defer close(release)
	if err := q.Process("slow", func(context.Context, *job.Job) (any, error) {
		<-release
		return nil, nil
	}, 1); err != nil {
		t.Fatalf("process: %v", err)
	}

	j, err := q.CreateJob(ctx, "slow")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case <-startedEvents:
	case <-time.After(2 * time.Second):
		t.Fatal("no start event")
	}

	if err := q.Shutdown(ctx, 50*time.Millisecond); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	failed, err := q.FindJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if failed.State != job.StateFailure {
		t.Fatalf("state = %q, want failure", failed.State)
	}
	if len(failed.Logs) == 0 || failed.Logs[len(failed.Logs)-1] != "shutdown timeout" {
		t.Errorf("Logs = %v, want shutdown timeout", failed.Logs)
	}
}

// Double save fails and leaves exactly one row.
func TestCreateJob_DoubleSave(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	j, err := q.CreateJob(ctx, "T")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := j.Save(ctx); !errors.Is(err, stashq.ErrAlreadySaved) {
		t.Fatalf("second save error = %v, want ErrAlreadySaved", err)
	}

	all, err := q.ListJobs(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("rows = %d, want 1", len(all))
	}
}

// Unknown priorities are coerced to normal at creation.
func TestCreateJob_CoercesUnknownPriority(t *testing.T) {
	t.Parallel()
	q := newQueue(t)

	j, err := q.CreateJob(context.Background(), "T", job.WithPriority(job.Priority(42)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.Priority != job.PriorityNormal {
		t.Errorf("Priority = %d, want coerced %d", j.Priority, job.PriorityNormal)
	}
}

// A freshly created job reads back with identical fields.
func TestCreateJob_FindRoundTrip(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	payload := []byte(`{"path":"/tmp/in.mov"}`)
	j, err := q.CreateJob(ctx, "encode",
		job.WithPriority(job.PriorityMedium),
		job.WithData(payload),
	)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := q.FindJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != j.ID || got.Type != j.Type || got.Priority != j.Priority {
		t.Errorf("got %+v, want the created job", got)
	}
	if string(got.Data) != string(payload) {
		t.Errorf("Data = %q, want %q", got.Data, payload)
	}
	if !got.CreatedAt.Equal(j.CreatedAt) || !got.UpdatedAt.Equal(j.UpdatedAt) {
		t.Error("timestamps changed through the round trip")
	}
	if got.State != job.StateInactive {
		t.Errorf("State = %q, want inactive", got.State)
	}
}

// No two workers ever hold the same job: every job is processed exactly
// once under concurrency.
func TestProcess_NoDoubleClaims(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	const jobs = 40
	var g errgroup.Group
	for range jobs {
		g.Go(func() error {
			_, err := q.CreateJob(ctx, "T")
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("create jobs: %v", err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	if err := q.Process("T", func(_ context.Context, j *job.Job) (any, error) {
		mu.Lock()
		seen[j.ID]++
		mu.Unlock()
		return nil, nil
	}, 4); err != nil {
		t.Fatalf("process: %v", err)
	}

	waitFor(t, "all executions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == jobs
	})
	// Give a hypothetical double dispatch a moment to show up.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s processed %d times", id, n)
		}
	}

	complete, err := q.ListJobs(ctx, job.StateComplete)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(complete) != jobs {
		t.Errorf("complete = %d, want %d", len(complete), jobs)
	}
}

// Jobs of different types flow to their own worker pools.
func TestProcess_TypesAreIndependent(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	byType := make(map[string][]string)
	record := func(typ string) func(context.Context, *job.Job) (any, error) {
		return func(_ context.Context, j *job.Job) (any, error) {
			mu.Lock()
			byType[typ] = append(byType[typ], j.ID)
			mu.Unlock()
			return nil, nil
		}
	}

	if err := q.Process("a", record("a"), 1); err != nil {
		t.Fatalf("process a: %v", err)
	}
	if err := q.Process("b", record("b"), 1); err != nil {
		t.Fatalf("process b: %v", err)
	}

	ja, err := q.CreateJob(ctx, "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	jb, err := q.CreateJob(ctx, "b")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, "both executions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(byType["a"]) == 1 && len(byType["b"]) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if byType["a"][0] != ja.ID || byType["b"][0] != jb.ID {
		t.Errorf("byType = %v, want a→%s b→%s", byType, ja.ID, jb.ID)
	}
}

// A request whose predicate is already false declines an available
// candidate and leaves it inactive.
func TestRequestJob_DeclinesWhenNotInterested(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	j, err := q.CreateJob(ctx, "T")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := q.RequestJob(ctx, "T", func() bool { return false })
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got != nil {
		t.Fatalf("got %v, want nil for an uninterested request", got)
	}

	stored, err := q.FindJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.State != job.StateInactive {
		t.Errorf("state = %q, want inactive", stored.State)
	}
}

// Completion and failure events carry the processor's outcome.
func TestEvents_CompleteAndFailure(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	results := make(chan event.Event, 2)
	q.On(event.KindComplete, func(evt event.Event) { results <- evt })
	q.On(event.KindFailure, func(evt event.Event) { results <- evt })

	if err := q.Process("T", func(_ context.Context, j *job.Job) (any, error) {
		if string(j.Data) == "fail" {
			return nil, errors.New("told to fail")
		}
		return "ok", nil
	}, 1); err != nil {
		t.Fatalf("process: %v", err)
	}

	if _, err := q.CreateJob(ctx, "T", job.WithData([]byte("fail"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := q.CreateJob(ctx, "T"); err != nil {
		t.Fatalf("create: %v", err)
	}

	var complete, failure int
	for range 2 {
		select {
		case evt := <-results:
			switch evt.Kind {
			case event.KindComplete:
				complete++
				if evt.Result != "ok" {
					t.Errorf("Result = %v, want ok", evt.Result)
				}
			case event.KindFailure:
				failure++
				if evt.Err == nil || evt.Err.Error() != "told to fail" {
					t.Errorf("Err = %v, want the processor error", evt.Err)
				}
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for terminal events")
		}
	}
	if complete != 1 || failure != 1 {
		t.Errorf("complete = %d failure = %d, want 1 and 1", complete, failure)
	}
}

func TestRemoveJobByID(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	errs := make(chan event.Event, 1)
	q.On(event.KindError, func(evt event.Event) {
		select {
		case errs <- evt:
		default:
		}
	})

	j, err := q.CreateJob(ctx, "T")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := q.RemoveJobByID(ctx, j.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := q.FindJob(ctx, j.ID); !errors.Is(err, stashq.ErrJobNotFound) {
		t.Fatalf("find after remove error = %v, want ErrJobNotFound", err)
	}

	// Removing a missing job both errors and emits.
	if err := q.RemoveJobByID(ctx, "missing"); !errors.Is(err, stashq.ErrJobNotFound) {
		t.Fatalf("remove missing error = %v, want ErrJobNotFound", err)
	}
	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("no error event for failed removal")
	}
}

func TestRemoveJobsByFunc(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	if _, err := q.CreateJob(ctx, "keep"); err != nil {
		t.Fatalf("create: %v", err)
	}
	d1, err := q.CreateJob(ctx, "drop")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d2, err := q.CreateJob(ctx, "drop")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	removed, err := q.RemoveJobsByFunc(ctx, func(j *job.Job) bool {
		return j.Type == "drop"
	})
	if err != nil {
		t.Fatalf("remove by func: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed = %d, want 2", len(removed))
	}
	got := map[string]bool{removed[0].ID: true, removed[1].ID: true}
	if !got[d1.ID] || !got[d2.ID] {
		t.Errorf("removed ids = %v, want %s and %s", got, d1.ID, d2.ID)
	}

	remaining, err := q.ListJobs(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Type != "keep" {
		t.Errorf("remaining = %v, want only the keep job", remaining)
	}
}

// Removing an active job makes the owning worker's terminal transition
// fail the exactly-one-row check.
func TestRemoveActiveJob_TerminalTransitionFails(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	j, err := q.CreateJob(ctx, "T")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := q.RequestJob(ctx, "T", always)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if claimed.ID != j.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, j.ID)
	}

	if err := q.RemoveJobByID(ctx, j.ID); err != nil {
		t.Fatalf("remove active: %v", err)
	}

	if err := claimed.MarkComplete(ctx, nil); !errors.Is(err, stashq.ErrJobNotFound) {
		t.Fatalf("terminal transition error = %v, want ErrJobNotFound", err)
	}
}

func TestQueue_ClosedRejectsOperations(t *testing.T) {
	t.Parallel()
	q, err := queue.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := q.CreateJob(context.Background(), "T"); !errors.Is(err, stashq.ErrQueueClosed) {
		t.Fatalf("create after close error = %v, want ErrQueueClosed", err)
	}
}

// Shutdown with a type only drains that type's workers.
func TestShutdown_ByType(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	var processedB []string
	if err := q.Process("a", func(context.Context, *job.Job) (any, error) {
		return nil, nil
	}, 1); err != nil {
		t.Fatalf("process a: %v", err)
	}
	if err := q.Process("b", func(_ context.Context, j *job.Job) (any, error) {
		mu.Lock()
		processedB = append(processedB, j.ID)
		mu.Unlock()
		return nil, nil
	}, 1); err != nil {
		t.Fatalf("process b: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := q.Shutdown(ctx, time.Second, "a"); err != nil {
		t.Fatalf("shutdown a: %v", err)
	}

	// Type a is drained: its jobs stay inactive.
	ja, err := q.CreateJob(ctx, "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Type b still works.
	if _, err := q.CreateJob(ctx, "b"); err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, "type b execution", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processedB) == 1
	})

	stored, err := q.FindJob(ctx, ja.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.State != job.StateInactive {
		t.Errorf("type a job state = %q, want inactive", stored.State)
	}
}
