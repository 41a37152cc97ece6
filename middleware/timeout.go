package middleware

import (
	"context"
	"time"

	"github.com/stashq/stashq/job"
)

// Timeout returns middleware that enforces a per-processor execution
// deadline. When d is zero the middleware is a pass-through. The deadline
// is cooperative: the context is cancelled but the processor is never
// forcibly aborted.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
