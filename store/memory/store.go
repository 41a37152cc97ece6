// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing, development, and
// ephemeral queues that do not need to survive the process.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/stashq/stashq"
	"github.com/stashq/stashq/job"
	"github.com/stashq/stashq/store"
)

// Ensure Store implements the backend contract at compile time.
var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*row
	seq  uint64
}

// row pairs a document with its insertion sequence. The sequence breaks
// (priority, createdAt) ties deterministically so repeated NextInactive
// calls without mutation return the same job.
type row struct {
	doc *job.Job
	seq uint64
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*row)}
}

// ── stashq.Storer ───────────────────────────────────

// Init is a no-op for the memory store.
func (m *Store) Init(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ── job.Store ───────────────────────────────────────

// List returns all jobs, optionally filtered by state, sorted by
// CreatedAt ascending (ties by insertion order).
func (m *Store) List(_ context.Context, state job.State) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]*row, 0, len(m.jobs))
	for _, r := range m.jobs {
		if state != "" && r.doc.State != state {
			continue
		}
		rows = append(rows, r)
	}

	sort.Slice(rows, func(i, k int) bool {
		if !rows[i].doc.CreatedAt.Equal(rows[k].doc.CreatedAt) {
			return rows[i].doc.CreatedAt.Before(rows[k].doc.CreatedAt)
		}
		return rows[i].seq < rows[k].seq
	})

	result := make([]*job.Job, len(rows))
	for i, r := range rows {
		result[i] = r.doc.Document()
	}
	return result, nil
}

// Find returns the job with the given id.
func (m *Store) Find(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.jobs[id]
	if !ok {
		return nil, stashq.ErrJobNotFound
	}
	return r.doc.Document(), nil
}

// Exists reports whether a job with the given id is persisted.
func (m *Store) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.jobs[id]
	return ok, nil
}

// NextInactive returns the inactive job of the given type minimizing
// (priority asc, createdAt asc, insertion order), or (nil, nil).
func (m *Store) NextInactive(_ context.Context, typ string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *row
	for _, r := range m.jobs {
		if r.doc.Type != typ || r.doc.State != job.StateInactive {
			continue
		}
		if best == nil || less(r, best) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.doc.Document(), nil
}

func less(a, b *row) bool {
	if a.doc.Priority != b.doc.Priority {
		return a.doc.Priority < b.doc.Priority
	}
	if !a.doc.CreatedAt.Equal(b.doc.CreatedAt) {
		return a.doc.CreatedAt.Before(b.doc.CreatedAt)
	}
	return a.seq < b.seq
}

// Insert persists a new document.
func (m *Store) Insert(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return stashq.ErrJobExists
	}
	m.seq++
	m.jobs[j.ID] = &row{doc: j.Document(), seq: m.seq}
	return nil
}

// Update replaces the mutable fields of the row with j's id. Fails unless
// exactly one row is affected.
func (m *Store) Update(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.jobs[j.ID]
	if !ok {
		return stashq.ErrJobNotFound
	}
	r.doc = j.Document()
	return nil
}

// Remove deletes the row with the given id. Silent if absent.
func (m *Store) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.jobs, id)
	return nil
}
