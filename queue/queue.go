package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stashq/stashq"
	"github.com/stashq/stashq/event"
	"github.com/stashq/stashq/job"
	"github.com/stashq/stashq/middleware"
	"github.com/stashq/stashq/store"
	"github.com/stashq/stashq/store/memory"
	"github.com/stashq/stashq/worker"
)

// Queue is the coordinator. It owns the store, the event bus, the
// per-type waiter lists, the dispatch mutex, and the worker registry.
type Queue struct {
	store       store.Store
	events      *event.Bus
	logger      *slog.Logger
	limits      *Manager
	userMws     []middleware.Middleware
	procTimeout time.Duration
	mw          middleware.Middleware

	// dispatchMu serializes every inactive → active claim: the
	// query-side fetch and the insert-side handoff both hold it, so no
	// two workers can claim the same row.
	dispatchMu sync.Mutex

	// mu guards the waiter lists, the worker registry, and closed.
	mu      sync.Mutex
	waiters map[string][]*waiter
	workers map[string][]*worker.Worker
	closed  bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore sets the persistence backend. Defaults to the in-memory
// store.
func WithStore(s store.Store) Option {
	return func(q *Queue) { q.store = s }
}

// WithLogger sets the structured logger for the queue.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithMiddleware appends middleware to the processor chain, after the
// built-in recover/tracing/metrics/logging stack.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(q *Queue) { q.userMws = append(q.userMws, mws...) }
}

// WithProcessTimeout sets a cooperative deadline applied to every
// processor invocation. Zero disables it.
func WithProcessTimeout(d time.Duration) Option {
	return func(q *Queue) { q.procTimeout = d }
}

// WithTypeLimit configures per-type claim rate limits.
func WithTypeLimit(limits ...Limit) Option {
	return func(q *Queue) {
		if q.limits == nil {
			q.limits = NewManager()
		}
		for _, l := range limits {
			q.limits.SetLimit(l)
		}
	}
}

// Create builds a Queue, initializes its store, and runs crash recovery:
// every job left active by a previous process is transitioned to failure
// with "unexpectedly terminated". Errors from either step surface here.
func Create(ctx context.Context, opts ...Option) (*Queue, error) {
	q := &Queue{
		logger:  slog.Default(),
		waiters: make(map[string][]*waiter),
		workers: make(map[string][]*worker.Worker),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.store == nil {
		q.store = memory.New()
	}
	q.events = event.NewBus(q.logger)
	q.mw = q.buildChain()

	if err := q.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("queue: init store: %w", err)
	}
	if err := q.failInterrupted(ctx); err != nil {
		return nil, fmt.Errorf("queue: crash recovery: %w", err)
	}
	return q, nil
}

func (q *Queue) buildChain() middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.Recover(q.logger),
		middleware.Tracing(),
		middleware.Metrics(),
		middleware.Logging(q.logger),
	}
	if q.procTimeout > 0 {
		mws = append(mws, middleware.Timeout(q.procTimeout))
	}
	mws = append(mws, q.userMws...)
	return middleware.Chain(mws...)
}

// failInterrupted marks every active job as failed. Any active row at
// startup means a previous process died mid-run; the processor context
// is gone, so the job cannot be resumed.
func (q *Queue) failInterrupted(ctx context.Context) error {
	active, err := q.store.List(ctx, job.StateActive)
	if err != nil {
		return err
	}

	for _, j := range active {
		q.bind(j, true)
		if err := j.MarkFailed(ctx, errors.New("unexpectedly terminated")); err != nil {
			return err
		}
		q.logger.Warn("recovered interrupted job",
			slog.String("job_id", j.ID),
			slog.String("job_type", j.Type),
		)
	}
	return nil
}

// bind attaches the queue's collaborators to a job so its transition
// methods persist and emit through us. Rows written by older code or
// other tools may carry priorities outside the known set; they are
// coerced to normal here, with a warning, never rejected.
func (q *Queue) bind(j *job.Job, saved bool) {
	j.Priority = job.SanitizePriority(int(j.Priority), q.logger)
	j.Bind(job.Binding{
		Store:     q.store,
		Events:    q.events,
		Logger:    q.logger,
		AfterSave: q.dispatchNew,
		Saved:     saved,
	})
}

// Events returns the queue's event bus.
func (q *Queue) Events() *event.Bus { return q.events }

// On subscribes a handler to a lifecycle event kind. It returns an
// unsubscribe func.
func (q *Queue) On(kind event.Kind, h event.Handler) (unsubscribe func()) {
	return q.events.Subscribe(kind, h)
}

// CreateJob persists a new inactive job of the given type and, when a
// worker of that type is parked, hands it over immediately. The error is
// both returned and reported on the event bus.
func (q *Queue) CreateJob(ctx context.Context, typ string, opts ...job.Option) (*job.Job, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}

	j := job.New(typ, opts...)
	q.bind(j, false)

	if _, err := j.Save(ctx); err != nil {
		q.emitError(err, j)
		return nil, err
	}
	return j, nil
}

// Process spawns concurrency workers for the given type, each running
// the processor. Workers start requesting immediately.
func (q *Queue) Process(typ string, p worker.Processor, concurrency int) error {
	if err := q.guard(); err != nil {
		return err
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	opts := []worker.Option{
		worker.WithLogger(q.logger),
		worker.WithEvents(q.events),
		worker.WithMiddleware(q.mw),
	}
	if q.limits != nil {
		opts = append(opts, worker.WithLimiter(q.limits))
	}

	spawned := make([]*worker.Worker, 0, concurrency)
	q.mu.Lock()
	for range concurrency {
		w := worker.New(typ, q, opts...)
		q.workers[typ] = append(q.workers[typ], w)
		spawned = append(spawned, w)
	}
	q.mu.Unlock()

	for _, w := range spawned {
		if err := w.Start(p); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown drains workers sequentially, each given up to timeout to
// finish its current job, and removes them from the registry. With no
// types given every worker is targeted. The store stays open; jobs can
// still be inspected or inserted afterwards.
func (q *Queue) Shutdown(ctx context.Context, timeout time.Duration, types ...string) error {
	q.mu.Lock()
	var targets []*worker.Worker
	if len(types) == 0 {
		for _, ws := range q.workers {
			targets = append(targets, ws...)
		}
	} else {
		for _, typ := range types {
			targets = append(targets, q.workers[typ]...)
		}
	}
	q.mu.Unlock()

	for _, w := range targets {
		if err := w.Shutdown(ctx, timeout); err != nil {
			return err
		}
		q.removeWorker(w)
	}
	return nil
}

func (q *Queue) removeWorker(target *worker.Worker) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.workers[target.Type()]
	for i, w := range list {
		if w == target {
			q.workers[target.Type()] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(q.workers[target.Type()]) == 0 {
		delete(q.workers, target.Type())
	}
}

// Close marks the queue closed, stops the event bus, and releases the
// store. Shut workers down first.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.events.Close()
	return q.store.Close()
}

// FindJob returns the job with the given id, bound for further use.
func (q *Queue) FindJob(ctx context.Context, id string) (*job.Job, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}

	j, err := q.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	q.bind(j, true)
	return j, nil
}

// ListJobs returns all jobs, optionally filtered by state, sorted by
// creation time ascending. Pass an empty state for no filter.
func (q *Queue) ListJobs(ctx context.Context, state job.State) ([]*job.Job, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}

	jobs, err := q.store.List(ctx, state)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		q.bind(j, true)
	}
	return jobs, nil
}

// RemoveJobByID deletes the job with the given id. Fails if absent; the
// error is both returned and reported on the event bus.
func (q *Queue) RemoveJobByID(ctx context.Context, id string) error {
	if err := q.guard(); err != nil {
		return err
	}

	j, err := q.FindJob(ctx, id)
	if err != nil {
		q.emitError(err, nil)
		return err
	}
	if err := j.Remove(ctx); err != nil {
		q.emitError(err, j)
		return err
	}
	return nil
}

// RemoveJobsByFunc deletes every job the predicate accepts and returns
// the removed jobs. The predicate runs against a snapshot, so removal
// during iteration is safe. Active jobs may be removed; the owning
// worker's terminal transition will then fail the exactly-one-row check
// and surface as an error event.
func (q *Queue) RemoveJobsByFunc(ctx context.Context, pred func(*job.Job) bool) ([]*job.Job, error) {
	jobs, err := q.ListJobs(ctx, "")
	if err != nil {
		return nil, err
	}

	var removed []*job.Job
	for _, j := range jobs {
		if !pred(j) {
			continue
		}
		if err := j.Remove(ctx); err != nil {
			q.emitError(err, j)
			return removed, err
		}
		removed = append(removed, j)
	}
	return removed, nil
}

func (q *Queue) guard() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return stashq.ErrQueueClosed
	}
	return nil
}

func (q *Queue) emitError(err error, j *job.Job) {
	q.events.EmitError(err, j)
}
