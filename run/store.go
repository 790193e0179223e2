package run

import (
	"context"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// Filter narrows list and clear queries. Zero fields match everything.
type Filter struct {
	Status      Status
	JobType     string
	TriggeredBy Trigger
	ScheduleID  id.ScheduleID
	TemplateID  id.TemplateID
}

// Match reports whether r satisfies every set field of f.
func (f Filter) Match(r *Run) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.JobType != "" && r.JobType != f.JobType {
		return false
	}
	if f.TriggeredBy != "" && r.TriggeredBy != f.TriggeredBy {
		return false
	}
	if !f.ScheduleID.IsNil() && r.ScheduleID.String() != f.ScheduleID.String() {
		return false
	}
	if !f.TemplateID.IsNil() && r.TemplateID.String() != f.TemplateID.String() {
		return false
	}
	return true
}

// Page controls pagination. Runs are listed newest first.
type Page struct {
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
}

// Store defines the persistence contract for runs.
type Store interface {
	// CreateRun persists a new run. Returns ErrRunAlreadyExists on ID reuse.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// GetRunByTaskHandle finds the run owning the given task handle,
	// whether it is the primary handle or a subtask handle.
	GetRunByTaskHandle(ctx context.Context, handle id.TaskID) (*Run, error)

	// UpdateRunIf replaces the stored run with r only when the stored
	// revision equals revision. r carries the next revision. Returns
	// ErrRunChanged when another writer got there first.
	UpdateRunIf(ctx context.Context, r *Run, revision int64) error

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, f Filter, p Page) ([]*Run, error)

	// ListNonTerminal returns every pending or running run.
	ListNonTerminal(ctx context.Context) ([]*Run, error)

	// DeleteRun removes a terminal run. Returns ErrRunNotTerminal for a
	// pending or running run.
	DeleteRun(ctx context.Context, runID id.RunID) error

	// ClearRuns deletes the terminal runs matching the filter and returns
	// how many were removed. Non-terminal rows are never touched.
	ClearRuns(ctx context.Context, f Filter) (int64, error)

	// PruneRuns deletes terminal runs completed before the cutoff.
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
}
