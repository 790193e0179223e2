// Package ext defines the extension system. Extensions are notified of run
// lifecycle events (created, started, finished, reaped, fan-out progress)
// and can react to them with metrics, audit records or notifications.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Run lifecycle hooks
// ──────────────────────────────────────────────────

// RunCreated is called after a pending run row was written.
type RunCreated interface {
	OnRunCreated(ctx context.Context, r *run.Run) error
}

// RunStarted is called when a run moves to running.
type RunStarted interface {
	OnRunStarted(ctx context.Context, r *run.Run) error
}

// RunCompleted is called when a run finishes successfully.
type RunCompleted interface {
	OnRunCompleted(ctx context.Context, r *run.Run, elapsed time.Duration) error
}

// RunFailed is called when a run fails, including reaped runs.
type RunFailed interface {
	OnRunFailed(ctx context.Context, r *run.Run) error
}

// RunCancelled is called when an operator cancelled a run.
type RunCancelled interface {
	OnRunCancelled(ctx context.Context, r *run.Run) error
}

// RunTransitioned is called for every applied status change. from is
// empty for a freshly created run.
type RunTransitioned interface {
	OnRunTransitioned(ctx context.Context, r *run.Run, from run.Status) error
}

// RunReaped is called after the reaper force-failed a run.
type RunReaped interface {
	OnRunReaped(ctx context.Context, r *run.Run, diagnostic string) error
}

// ──────────────────────────────────────────────────
// Fan-out hooks
// ──────────────────────────────────────────────────

// BatchDone is called when a fan-out batch reported for the first time.
type BatchDone interface {
	OnBatchDone(ctx context.Context, runID id.RunID, index, remaining int) error
}

// JoinFired is called when the last batch submitted the join task.
type JoinFired interface {
	OnJoinFired(ctx context.Context, runID id.RunID, joinTask id.TaskID) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// ScheduleFired is called when the tick dispatched a due schedule. runID
// is nil when the dispatch failed.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, scheduleID id.ScheduleID, name string, runID id.RunID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
