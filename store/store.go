// Package store defines the composite interface the queue requires of a
// backend and documents the bundled implementations:
//
//   - store/memory: in-memory only; for tests, development, and callers
//     that do not need durability.
//   - store/local: file-backed append-only journal with pluggable codec
//     (JSON or MessagePack) and automatic compaction.
//   - store/sqlite: embedded SQLite database (CGo-free driver).
//
// A backend implements job.Store for document operations and
// stashq.Storer for lifecycle. Init must be called (the queue does this)
// before any other operation.
package store

import (
	"github.com/stashq/stashq"
	"github.com/stashq/stashq/job"
)

// Store is the full backend contract.
type Store interface {
	stashq.Storer
	job.Store
}
