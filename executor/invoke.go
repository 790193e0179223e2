package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/nerdfunk-net/datenschleuder-sub000/backoff"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
)

// ErrPanic wraps a recovered executor panic.
var ErrPanic = errors.New("executor panicked")

// Run invokes the job type's handler for every target of the run and
// normalizes the outcome. It never panics and never returns an error:
// every failure is folded into a failed Result.
func (e *Entry) Run(ctx context.Context, ec *Context) Result {
	v, err := invoke(ctx, e, func(ctx context.Context) (any, error) {
		return e.handler(ctx, ec)
	})
	return normalize(v, err)
}

// RunBatch invokes the batch function for one fan-out batch. An error
// means the batch failed as a whole.
func (e *Entry) RunBatch(ctx context.Context, ec *Context, devices []string) ([]fanout.DeviceResult, error) {
	if e.batch == nil {
		return nil, fmt.Errorf("job type %q has no batch function", e.Type)
	}
	return invoke(ctx, e, func(ctx context.Context) ([]fanout.DeviceResult, error) {
		return e.batch(ctx, ec, devices)
	})
}

// RunJoin invokes the join function. Job types without one return nil.
func (e *Entry) RunJoin(ctx context.Context, ec *Context, agg *fanout.Aggregate) (any, error) {
	if e.join == nil {
		return nil, nil
	}
	return invoke(ctx, e, func(ctx context.Context) (any, error) {
		return e.join(ctx, ec, agg)
	})
}

// Invoke runs fn with the entry's timeout, panic recovery and transient
// retry policy.
func Invoke[T any](ctx context.Context, e *Entry, fn func(ctx context.Context) (T, error)) (T, error) {
	return invoke(ctx, e, fn)
}

func invoke[T any](ctx context.Context, e *Entry, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	for attempt := 0; ; attempt++ {
		v, err = once(ctx, e, fn)
		if err == nil || !IsTransient(err) || attempt >= e.Retries {
			return v, err
		}
		if werr := backoff.Wait(ctx, e.Backoff, attempt+1); werr != nil {
			return v, err
		}
	}
}

func once[T any](ctx context.Context, e *Entry, fn func(ctx context.Context) (T, error)) (v T, err error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// normalize turns a handler's (value, error) into a Result. A value that
// is itself a Result passes through unchanged.
func normalize(v any, err error) Result {
	if res, ok := v.(Result); ok && err == nil {
		if res.Status == "" {
			res.Status = StatusFailed
			if res.Success {
				res.Status = StatusCompleted
			}
		}
		return res
	}

	res := Result{Success: err == nil, Status: StatusCompleted}
	if v != nil {
		payload, merr := json.Marshal(v)
		if merr != nil && err == nil {
			err = fmt.Errorf("encode result: %w", merr)
		} else if merr == nil {
			res.Payload = payload
		}
	}
	if err != nil {
		res.Success = false
		res.Status = StatusFailed
		res.Error = Summarize(err)
	}
	return res
}

// Summarize keeps the first line of an error; panics carry a stack the
// ledger should not store.
func Summarize(err error) string {
	msg := err.Error()
	for i := range len(msg) {
		if msg[i] == '\n' {
			return msg[:i]
		}
	}
	return msg
}
