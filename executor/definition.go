package executor

import (
	"context"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/backoff"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
)

// Definition is a typed job type. P is the parameter type decoded from the
// run's JSON params.
type Definition[P any] struct {
	// Type is the unique job type name, e.g. "backup".
	Type string

	// Description is shown in the admin surface.
	Description string

	// Queue overrides the static job type → queue route.
	Queue string

	// Handler processes all targets of a run in one call. The returned
	// value becomes the run's result payload. Returning a value together
	// with an error keeps the value in the failed result.
	Handler func(ctx context.Context, ec *Context, params P) (any, error)

	// Batch processes one fan-out batch. Setting it makes the job type
	// fan-out capable; Handler still serves runs with a single target or
	// a template parallelism of one.
	Batch func(ctx context.Context, ec *Context, params P, devices []string) ([]fanout.DeviceResult, error)

	// Join runs once per fan-out run after every batch reported, for
	// aggregate side effects such as a single git commit. Its return
	// value is stored under "join" in the result payload.
	Join func(ctx context.Context, ec *Context, params P, agg *fanout.Aggregate) (any, error)

	// Policy decides the fan-out parent's status. Defaults to
	// fanout.FailOnAll.
	Policy fanout.Policy

	// Timeout bounds each call. Zero means no executor-level timeout.
	Timeout time.Duration

	// Retries is the number of extra attempts after a transient failure.
	// Zero disables retries.
	Retries int

	// Backoff spaces retries. Defaults to backoff.Default().
	Backoff backoff.Strategy
}
