// Package middleware provides composable middleware around task execution.
// Middleware wraps the worker's call into the engine synchronously and can
// observe or modify it (recover from panics, log, trace, enforce deadlines).
package middleware

import (
	"context"

	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// Handler is the terminal function that executes a task.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the task being executed and the next handler. Middleware
// MUST call next to continue the chain unless short-circuiting on error.
type Middleware func(ctx context.Context, t *transport.Task, next Handler) error

// Chain composes middleware into one. The first middleware in the list is
// the outermost wrapper:
//
//	Chain(logging, recover, timeout) → logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, t *transport.Task, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, t, prev)
			}
		}
		return h(ctx)
	}
}
