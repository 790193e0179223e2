package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// Recover returns middleware that turns a panic anywhere below it into an
// error. The stack trace goes to the log only.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *transport.Task, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("task panicked",
					slog.String("task_id", t.ID.String()),
					slog.String("job_type", t.JobType),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in %s task %s: %v", t.Kind, t.ID, r)
			}
		}()
		return next(ctx)
	}
}
