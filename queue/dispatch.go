package queue

import (
	"context"

	"github.com/stashq/stashq"
	"github.com/stashq/stashq/job"
)

// waiter is a worker's parked request for the next job of a type.
// It lives for at most one dispatch cycle: it is resolved with exactly
// one job, or cancelled and never resolved.
type waiter struct {
	// ch carries the resolved job. Capacity one, so delivery never
	// blocks the dispatching goroutine.
	ch chan *job.Job

	// interested is the worker's stillInterested predicate. A waiter
	// whose predicate reports false is discarded without notification.
	interested func() bool

	// mu orders delivery against cancellation: a delivery holds it
	// while sending, a cancelling worker holds it while setting
	// cancelled. Exactly one side wins; a job is never claimed for a
	// waiter that will not drain it.
	mu        chan struct{} // 1-slot semaphore
	cancelled bool
}

func newWaiter(interested func() bool) *waiter {
	w := &waiter{
		ch:         make(chan *job.Job, 1),
		interested: interested,
		mu:         make(chan struct{}, 1),
	}
	return w
}

func (w *waiter) lock()   { w.mu <- struct{}{} }
func (w *waiter) unlock() { <-w.mu }

// RequestJob returns a job of the given type in active state whose claim
// has been durably persisted, or (nil, nil) once the waiter has lost
// interest and no job will be delivered. Workers call it as their source.
//
// Protocol:
//
//  1. Fast-park: if waiters for the type already exist, the newest
//     requester cannot legitimately jump the queue. Append to the tail
//     and wait. Fairness across same-type workers is FIFO.
//  2. Otherwise take the dispatch mutex and query the next inactive job.
//     No candidate: park (the insert-side handoff will resolve us).
//     A candidate and still interested: claim it (persisting the state
//     change) and return it. A candidate but no longer interested:
//     leave it unclaimed and return nothing.
func (q *Queue) RequestJob(ctx context.Context, typ string, stillInterested func() bool) (*job.Job, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, stashq.ErrQueueClosed
	}
	if len(q.waiters[typ]) > 0 {
		wtr := newWaiter(stillInterested)
		q.waiters[typ] = append(q.waiters[typ], wtr)
		q.mu.Unlock()
		return q.await(ctx, typ, wtr)
	}
	q.mu.Unlock()

	q.dispatchMu.Lock()

	// Re-check under the dispatch mutex: another requester may have
	// parked while we waited for it.
	q.mu.Lock()
	if len(q.waiters[typ]) > 0 {
		wtr := newWaiter(stillInterested)
		q.waiters[typ] = append(q.waiters[typ], wtr)
		q.mu.Unlock()
		q.dispatchMu.Unlock()
		return q.await(ctx, typ, wtr)
	}
	q.mu.Unlock()

	next, err := q.store.NextInactive(ctx, typ)
	if err != nil {
		q.dispatchMu.Unlock()
		return nil, err
	}

	if next == nil {
		// Nothing to claim: park. The waiter must be registered before
		// the dispatch mutex is released so an insert that follows our
		// query cannot miss us.
		wtr := newWaiter(stillInterested)
		q.mu.Lock()
		q.waiters[typ] = append(q.waiters[typ], wtr)
		q.mu.Unlock()
		q.dispatchMu.Unlock()
		return q.await(ctx, typ, wtr)
	}

	if !stillInterested() {
		q.dispatchMu.Unlock()
		return nil, nil
	}

	q.bind(next, true)
	if err := next.MarkActive(ctx); err != nil {
		q.dispatchMu.Unlock()
		return nil, err
	}
	q.dispatchMu.Unlock()
	return next, nil
}

// await blocks on a parked waiter until it is resolved with a job or the
// request context is cancelled. On cancellation the waiter is withdrawn,
// but a delivery that already won the race is still honored, so a claimed
// job is never stranded in active state.
func (q *Queue) await(ctx context.Context, typ string, wtr *waiter) (*job.Job, error) {
	select {
	case j := <-wtr.ch:
		return j, nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	q.removeWaiterLocked(typ, wtr)
	q.mu.Unlock()

	wtr.lock()
	wtr.cancelled = true
	wtr.unlock()

	select {
	case j := <-wtr.ch:
		return j, nil
	default:
		return nil, nil
	}
}

func (q *Queue) removeWaiterLocked(typ string, target *waiter) {
	list := q.waiters[typ]
	for i, w := range list {
		if w == target {
			q.waiters[typ] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(q.waiters[typ]) == 0 {
		delete(q.waiters, typ)
	}
}

// dispatchNew is the insert-side handoff, run after a job's first save.
// Waiters are popped from the head until one still reports interest;
// waiters that lost interest are discarded without notification. A
// willing waiter receives the job already claimed (inactive → active
// persisted); with no willing waiter the job stays inactive for the next
// query.
//
// The claim happens under the dispatch mutex: once the first waiter
// parked, every later same-type requester fast-parks behind it, so the
// only path that could race on this row, a query-side claim after the
// list empties, serializes on the same mutex.
func (q *Queue) dispatchNew(ctx context.Context, j *job.Job) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	q.mu.Lock()
	list := q.waiters[j.Type]
	for len(list) > 0 {
		head := list[0]
		list = list[1:]

		if !head.interested() {
			continue
		}

		head.lock()
		if head.cancelled {
			head.unlock()
			continue
		}

		if err := j.MarkActive(ctx); err != nil {
			// Claim failed; the job stays inactive and the waiter
			// stays parked at the head for the next dispatch.
			head.unlock()
			q.waiters[j.Type] = append([]*waiter{head}, list...)
			q.mu.Unlock()
			q.emitError(err, j)
			return
		}

		// Deliver on the buffered channel: the waiter resumes on its
		// own goroutine's next scheduling, after the insert path has
		// observed a consistent post-insert state.
		head.ch <- j
		head.unlock()

		q.storeWaitersLocked(j.Type, list)
		q.mu.Unlock()
		return
	}

	q.storeWaitersLocked(j.Type, list)
	q.mu.Unlock()
}

func (q *Queue) storeWaitersLocked(typ string, list []*waiter) {
	if len(list) == 0 {
		delete(q.waiters, typ)
		return
	}
	q.waiters[typ] = list
}
