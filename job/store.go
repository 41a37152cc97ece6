package job

import "context"

// Store defines the persistence contract for jobs. Implementations also
// satisfy stashq.Storer for lifecycle (Init/Ping/Close).
//
// All methods that return jobs return detached document copies; callers
// must not expect aliasing with rows held by the store.
type Store interface {
	// List returns all jobs, optionally filtered by state (empty state
	// means no filter), sorted by CreatedAt ascending.
	List(ctx context.Context, state State) ([]*Job, error)

	// Find returns the job with the given id, or stashq.ErrJobNotFound.
	Find(ctx context.Context, id string) (*Job, error)

	// Exists reports whether a job with the given id is persisted.
	Exists(ctx context.Context, id string) (bool, error)

	// NextInactive returns the single inactive job of the given type
	// minimizing (priority ascending, CreatedAt ascending), ties broken
	// by stable insertion order. Returns (nil, nil) when no inactive job
	// of that type exists. Repeated calls without intervening mutation
	// return the same row.
	NextInactive(ctx context.Context, typ string) (*Job, error)

	// Insert persists a new document. Fails with stashq.ErrJobExists on
	// id collision.
	Insert(ctx context.Context, j *Job) error

	// Update replaces the mutable fields of the row with j's id. Fails
	// with stashq.ErrJobNotFound unless exactly one row is affected.
	Update(ctx context.Context, j *Job) error

	// Remove deletes the row with the given id. Silent if absent.
	Remove(ctx context.Context, id string) error
}
