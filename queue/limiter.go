package queue

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limit defines pacing for a single job type.
type Limit struct {
	// Type is the job type this limit applies to.
	Type string

	// RateLimit is the maximum sustained jobs per second workers of this
	// type may claim. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// Manager paces job claims per type with token-bucket rate limiters.
// Types without a limit are unconstrained. Safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	types map[string]*rate.Limiter
}

// NewManager creates a Manager with the given limits.
func NewManager(limits ...Limit) *Manager {
	m := &Manager{types: make(map[string]*rate.Limiter, len(limits))}
	for _, l := range limits {
		m.SetLimit(l)
	}
	return m
}

// SetLimit configures (or replaces) the limit for a type. A zero
// RateLimit removes the constraint.
func (m *Manager) SetLimit(l Limit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.RateLimit <= 0 {
		delete(m.types, l.Type)
		return
	}
	burst := l.RateBurst
	if burst <= 0 {
		burst = 1
	}
	m.types[l.Type] = rate.NewLimiter(rate.Limit(l.RateLimit), burst)
}

// Wait blocks until the type's limiter grants a token, the context is
// cancelled, or immediately when the type has no limit. Workers call it
// before each job request.
func (m *Manager) Wait(ctx context.Context, typ string) error {
	m.mu.Lock()
	limiter := m.types[typ]
	m.mu.Unlock()

	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}
