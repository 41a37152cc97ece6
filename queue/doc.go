// Package queue implements the dispatch core: the coordinator that owns
// the store, the per-type waiter lists, the dispatch mutex, and the
// worker registry.
//
// Two paths hand jobs to workers. A worker that requests work when a job
// is available claims it through a priority-ordered store query, made
// under the dispatch mutex so no two workers can race on the same row
// between the query and the persisted claim. A worker that finds nothing
// parks as a waiter; a newly inserted job is then handed directly to the
// longest-parked waiter of its type that is still interested, bypassing
// the query.
//
// On startup the queue marks every job left active by a previous process
// as failed: the in-memory processor context is not recoverable, so
// interrupted work is surfaced instead of silently resumed.
package queue
