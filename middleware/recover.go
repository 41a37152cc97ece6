package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/stashq/stashq/job"
)

// Recover returns middleware that recovers from panics in the processor
// chain. Panics are converted to errors (and so to job failures) and
// logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("processor panicked",
					slog.String("job_type", j.Type),
					slog.String("job_id", j.ID),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in %s processor: %v", j.Type, r)
			}
		}()
		return next(ctx)
	}
}
