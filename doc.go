// Package stashq provides an embeddable, persistent job queue for Go.
// Jobs are typed units of work persisted to a local document store and
// dispatched to in-process worker pools in priority order.
//
// Stashq is designed as a library, not a service. Import it, pick a store
// backend (memory, file-backed journal, or SQLite), and register processors
// as ordinary Go functions.
//
// # Quick Start
//
//	q, err := queue.Create(ctx,
//	    queue.WithStore(local.New("jobs.db")),
//	)
//	if err != nil { ... }
//
//	q.Process("email", sendEmail, 4)
//
//	j, err := q.CreateJob(ctx, "email",
//	    job.WithPriority(job.PriorityHigh),
//	    job.WithData(payload),
//	)
//
// # Architecture
//
// The queue package is the coordinator: it owns the store, the per-type
// waiter lists, and the worker registry. Workers ask the queue for work and
// park when none is available; a newly inserted job is handed directly to
// the longest-waiting worker of its type. Jobs interrupted by a process
// crash are marked failed on the next startup.
//
// Lifecycle events (enqueue, start, progress, complete, failure, remove,
// error) fan out through the event package's subscription bus.
package stashq
