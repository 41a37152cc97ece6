// Package worker provides the per-type execution unit. A Worker binds to
// one job type at construction and runs a cooperative loop: request a job
// from its source, invoke the user processor through the middleware
// chain, report the result as a state transition, repeat. Workers that
// find no job park inside the source until one is handed to them.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stashq/stashq"
	"github.com/stashq/stashq/event"
	"github.com/stashq/stashq/id"
	"github.com/stashq/stashq/job"
	"github.com/stashq/stashq/middleware"
)

// Status is the lifecycle state of a Worker.
type Status string

const (
	// StatusIdle means the worker has not been started yet.
	StatusIdle Status = "idle"
	// StatusRequesting means the worker is awaiting a job from its source.
	StatusRequesting Status = "requesting"
	// StatusRunning means the worker is executing the user processor.
	StatusRunning Status = "running"
	// StatusDraining means shutdown was requested and the worker is
	// finishing its current job.
	StatusDraining Status = "draining"
	// StatusTerminated means the loop has exited. Terminal.
	StatusTerminated Status = "terminated"
)

// Processor is the user-supplied function executing a job. The returned
// value is delivered with the Complete event; a returned error fails the
// job. The context is cancelled when a shutdown deadline expires, but the
// processor is never forcibly aborted.
type Processor func(ctx context.Context, j *job.Job) (any, error)

// Source supplies jobs to workers. The queue implements it.
type Source interface {
	// RequestJob returns a job of the given type whose claim has been
	// durably persisted, or (nil, nil) once stillInterested reports
	// false and no job will be delivered.
	RequestJob(ctx context.Context, typ string, stillInterested func() bool) (*job.Job, error)
}

// Limiter paces job requests. The queue's rate manager implements it.
type Limiter interface {
	Wait(ctx context.Context, typ string) error
}

// requestRetryDelay spaces retries after a failed job request so a
// broken store does not spin the loop.
const requestRetryDelay = 100 * time.Millisecond

// Worker is a per-type execution unit.
type Worker struct {
	id      id.WorkerID
	typ     string
	source  Source
	limiter Limiter
	mw      middleware.Middleware
	events  *event.Bus
	logger  *slog.Logger

	interested atomic.Bool

	mu        sync.Mutex
	status    Status
	current   *job.Job
	finished  chan struct{}
	jobCancel context.CancelFunc
	draining  bool
	started   bool

	reqCtx    context.Context
	reqCancel context.CancelFunc
	done      chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithEvents sets the event bus internal loop errors are reported to.
func WithEvents(bus *event.Bus) Option {
	return func(w *Worker) { w.events = bus }
}

// WithMiddleware sets the middleware chain the processor runs through.
func WithMiddleware(mw middleware.Middleware) Option {
	return func(w *Worker) { w.mw = mw }
}

// WithLimiter sets the request pacer.
func WithLimiter(l Limiter) Option {
	return func(w *Worker) { w.limiter = l }
}

// New creates a Worker bound to the given job type.
func New(typ string, source Source, opts ...Option) *Worker {
	w := &Worker{
		id:     id.NewWorkerID(),
		typ:    typ,
		source: source,
		logger: slog.Default(),
		status: StatusIdle,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() id.WorkerID { return w.id }

// Type returns the job type this worker processes.
func (w *Worker) Type() string { return w.typ }

// Status returns the worker's current lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Interested reports whether the worker still wants a job. It is the
// stillInterested predicate handed to the source; it flips to false the
// moment shutdown is initiated.
func (w *Worker) Interested() bool { return w.interested.Load() }

// Start launches the worker loop. It returns immediately; the processor
// runs on the loop goroutine.
func (w *Worker) Start(p Processor) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.status == StatusTerminated {
		return stashq.ErrWorkerStarted
	}
	w.started = true
	w.interested.Store(true)
	w.reqCtx, w.reqCancel = context.WithCancel(context.Background())

	go w.loop(p)
	return nil
}

func (w *Worker) loop(p Processor) {
	defer func() {
		w.setStatus(StatusTerminated)
		close(w.done)
	}()

	for {
		if w.isDraining() {
			return
		}
		w.setStatus(StatusRequesting)

		if w.limiter != nil {
			if err := w.limiter.Wait(w.reqCtx, w.typ); err != nil {
				return
			}
		}

		j, err := w.source.RequestJob(w.reqCtx, w.typ, w.Interested)
		if err != nil {
			w.logger.Error("job request failed",
				slog.String("worker_id", w.id.String()),
				slog.String("job_type", w.typ),
				slog.String("error", err.Error()),
			)
			if w.events != nil {
				w.events.EmitError(err, nil)
			}
			if errors.Is(err, stashq.ErrQueueClosed) || w.isDraining() {
				return
			}
			time.Sleep(requestRetryDelay)
			continue
		}
		if j == nil {
			return
		}

		w.process(j, p)
	}
}

// process runs one claimed job through the middleware chain and records
// the terminal transition. Transition failures (e.g. the job was removed
// mid-flight, or already failed by a shutdown timeout) are reported as
// error events; the loop continues unless draining.
func (w *Worker) process(j *job.Job, p Processor) {
	jobCtx, cancel := context.WithCancel(context.Background())
	fin := make(chan struct{})

	w.mu.Lock()
	w.status = StatusRunning
	w.current = j
	w.finished = fin
	w.jobCancel = cancel
	w.mu.Unlock()

	var result any
	terminal := func(ctx context.Context) error {
		r, err := p(ctx, j)
		result = r
		return err
	}

	var err error
	if w.mw != nil {
		err = w.mw(jobCtx, j, terminal)
	} else {
		err = terminal(jobCtx)
	}

	// Terminal transitions persist on a fresh context: the job context
	// may already be cancelled by a shutdown deadline.
	if err != nil {
		if ferr := j.MarkFailed(context.Background(), err); ferr != nil {
			w.reportTransitionError(j, ferr)
		}
	} else {
		if cerr := j.MarkComplete(context.Background(), result); cerr != nil {
			w.reportTransitionError(j, cerr)
		}
	}

	cancel()
	w.mu.Lock()
	w.current = nil
	w.finished = nil
	w.jobCancel = nil
	w.mu.Unlock()
	close(fin)
}

func (w *Worker) reportTransitionError(j *job.Job, err error) {
	w.logger.Warn("terminal transition failed",
		slog.String("worker_id", w.id.String()),
		slog.String("job_id", j.ID),
		slog.String("error", err.Error()),
	)
	if w.events != nil {
		w.events.EmitError(err, j)
	}
}

// Shutdown drains the worker: no further jobs are requested, a parked
// request is cancelled, and the current processor (if any) is given up to
// timeout to finish. If the deadline elapses the current job is failed
// with "shutdown timeout" and the worker terminates; the processor keeps
// running in the background, orphaned.
func (w *Worker) Shutdown(ctx context.Context, timeout time.Duration) error {
	w.mu.Lock()
	if !w.started || w.status == StatusTerminated {
		w.status = StatusTerminated
		w.mu.Unlock()
		return nil
	}
	w.draining = true
	w.status = StatusDraining
	w.interested.Store(false)
	fin := w.finished
	cur := w.current
	jobCancel := w.jobCancel
	w.mu.Unlock()

	// Wake a parked request; the queue skips waiters that report no
	// interest.
	w.reqCancel()

	if cur == nil || fin == nil {
		select {
		case <-w.done:
		case <-time.After(timeout):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	select {
	case <-fin:
		// Current job finished inside the deadline; the loop exits on
		// its next draining check.
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	case <-time.After(timeout):
	case <-ctx.Done():
		return ctx.Err()
	}

	// Deadline elapsed while running: abandon the processor.
	if jobCancel != nil {
		jobCancel()
	}
	err := cur.MarkFailed(context.Background(), errors.New("shutdown timeout"))
	if err != nil {
		w.reportTransitionError(cur, err)
	}
	w.setStatus(StatusTerminated)
	return nil
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	// A worker already terminated by a shutdown timeout stays terminated.
	if w.status != StatusTerminated || s == StatusTerminated {
		w.status = s
	}
	w.mu.Unlock()
}

func (w *Worker) isDraining() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draining
}
