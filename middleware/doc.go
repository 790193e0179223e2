// Package middleware provides composable middleware around task execution.
//
// A [Middleware] wraps the worker's call into the engine for one reserved
// task. Middleware are composed with [Chain]; the first in the list is the
// outermost wrapper.
//
//	chain := middleware.Chain(
//	    middleware.Logging(logger),
//	    middleware.Recover(logger),
//	    middleware.Tracing(),
//	    middleware.Metrics(),
//	    middleware.Timeout(cfg.TaskTimeout, logger),
//	)
//
// # Built-in Middleware
//
//   - [Logging] logs task kind, queue, duration and outcome
//   - [Recover] converts panics into errors
//   - [Timeout] cancels the task context after a hard limit
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records duration and outcome counters
package middleware
