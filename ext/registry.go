package ext

import (
	"context"
	"log/slog"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
)

// Registry is the ledger's transition observer and the coordinator's
// fan-out emitter.
var _ run.Observer = (*Registry)(nil)

// hookEntry pairs a hook implementation with the extension name captured
// at registration time.
type hookEntry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events to
// them. Extensions are type-cached at registration so emit calls iterate
// only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	runCreated      []hookEntry[RunCreated]
	runStarted      []hookEntry[RunStarted]
	runCompleted    []hookEntry[RunCompleted]
	runFailed       []hookEntry[RunFailed]
	runCancelled    []hookEntry[RunCancelled]
	runTransitioned []hookEntry[RunTransitioned]
	runReaped       []hookEntry[RunReaped]
	batchDone       []hookEntry[BatchDone]
	joinFired       []hookEntry[JoinFired]
	scheduleFired   []hookEntry[ScheduleFired]
	shutdown        []hookEntry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

func cache[H any](list []hookEntry[H], name string, e Extension) []hookEntry[H] {
	if h, ok := e.(H); ok {
		return append(list, hookEntry[H]{name: name, hook: h})
	}
	return list
}

// Register adds an extension. Extensions are notified in registration
// order. Register is not safe to call once events are flowing.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	r.runCreated = cache(r.runCreated, name, e)
	r.runStarted = cache(r.runStarted, name, e)
	r.runCompleted = cache(r.runCompleted, name, e)
	r.runFailed = cache(r.runFailed, name, e)
	r.runCancelled = cache(r.runCancelled, name, e)
	r.runTransitioned = cache(r.runTransitioned, name, e)
	r.runReaped = cache(r.runReaped, name, e)
	r.batchDone = cache(r.batchDone, name, e)
	r.joinFired = cache(r.joinFired, name, e)
	r.scheduleFired = cache(r.scheduleFired, name, e)
	r.shutdown = cache(r.shutdown, name, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Run event emitters
// ──────────────────────────────────────────────────

// RunTransitioned fans a ledger status change out to the generic
// transition hook and to the hook for the new status.
func (r *Registry) RunTransitioned(ctx context.Context, rn *run.Run, from run.Status) {
	for _, e := range r.runTransitioned {
		if err := e.hook.OnRunTransitioned(ctx, rn, from); err != nil {
			r.logHookError("OnRunTransitioned", e.name, err)
		}
	}

	switch {
	case from == "":
		for _, e := range r.runCreated {
			if err := e.hook.OnRunCreated(ctx, rn); err != nil {
				r.logHookError("OnRunCreated", e.name, err)
			}
		}
	case rn.Status == run.StatusRunning:
		for _, e := range r.runStarted {
			if err := e.hook.OnRunStarted(ctx, rn); err != nil {
				r.logHookError("OnRunStarted", e.name, err)
			}
		}
	case rn.Status == run.StatusCompleted:
		for _, e := range r.runCompleted {
			if err := e.hook.OnRunCompleted(ctx, rn, rn.Duration()); err != nil {
				r.logHookError("OnRunCompleted", e.name, err)
			}
		}
	case rn.Status == run.StatusFailed:
		for _, e := range r.runFailed {
			if err := e.hook.OnRunFailed(ctx, rn); err != nil {
				r.logHookError("OnRunFailed", e.name, err)
			}
		}
	case rn.Status == run.StatusCancelled:
		for _, e := range r.runCancelled {
			if err := e.hook.OnRunCancelled(ctx, rn); err != nil {
				r.logHookError("OnRunCancelled", e.name, err)
			}
		}
	}
}

// EmitRunReaped notifies all extensions that implement RunReaped.
func (r *Registry) EmitRunReaped(ctx context.Context, rn *run.Run, diagnostic string) {
	for _, e := range r.runReaped {
		if err := e.hook.OnRunReaped(ctx, rn, diagnostic); err != nil {
			r.logHookError("OnRunReaped", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Fan-out event emitters
// ──────────────────────────────────────────────────

// EmitBatchDone notifies all extensions that implement BatchDone.
func (r *Registry) EmitBatchDone(ctx context.Context, runID id.RunID, index, remaining int) {
	for _, e := range r.batchDone {
		if err := e.hook.OnBatchDone(ctx, runID, index, remaining); err != nil {
			r.logHookError("OnBatchDone", e.name, err)
		}
	}
}

// EmitJoinFired notifies all extensions that implement JoinFired.
func (r *Registry) EmitJoinFired(ctx context.Context, runID id.RunID, joinTask id.TaskID) {
	for _, e := range r.joinFired {
		if err := e.hook.OnJoinFired(ctx, runID, joinTask); err != nil {
			r.logHookError("OnJoinFired", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitScheduleFired notifies all extensions that implement ScheduleFired.
func (r *Registry) EmitScheduleFired(ctx context.Context, scheduleID id.ScheduleID, name string, runID id.RunID) {
	for _, e := range r.scheduleFired {
		if err := e.hook.OnScheduleFired(ctx, scheduleID, name, runID); err != nil {
			r.logHookError("OnScheduleFired", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a hook returns an error. Hook errors
// are never propagated.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
