package stashq

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("stashq: no store configured")
	ErrStoreClosed = errors.New("stashq: store closed")

	// Not found / conflict errors.
	ErrJobNotFound = errors.New("stashq: job not found")
	ErrJobExists   = errors.New("stashq: job already exists")

	// Entity state errors.
	ErrAlreadySaved      = errors.New("stashq: job already saved")
	ErrNotSaved          = errors.New("stashq: job not saved")
	ErrInvalidTransition = errors.New("stashq: invalid state transition")

	// Lifecycle errors.
	ErrWorkerStarted = errors.New("stashq: worker already started")
	ErrQueueClosed   = errors.New("stashq: queue is shut down")
)
