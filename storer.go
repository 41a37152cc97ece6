package stashq

import "context"

// Storer is the lifecycle contract every store backend implements in
// addition to job.Store. Init loads or creates the backing store and is
// idempotent; the queue calls it exactly once before accepting operations.
type Storer interface {
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
