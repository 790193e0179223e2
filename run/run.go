package run

import (
	"encoding/json"
	"time"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusPending means the run row exists but no worker has reported in.
	StatusPending Status = "pending"
	// StatusRunning means the work was handed to the transport.
	StatusRunning Status = "running"
	// StatusCompleted means the executor reported success.
	StatusCompleted Status = "completed"
	// StatusFailed means the executor failed or the run was reaped.
	StatusFailed Status = "failed"
	// StatusCancelled means an operator cancelled the run.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s → to.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// NonTerminal lists the statuses the reaper sweeps.
var NonTerminal = []Status{StatusPending, StatusRunning}

// Trigger records what caused a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Run is one execution record in the ledger.
type Run struct {
	datenschleuder.Entity

	ID             id.RunID        `json:"id"`
	Status         Status          `json:"status"`
	Revision       int64           `json:"revision"`
	ScheduleID     id.ScheduleID   `json:"schedule_id,omitempty"`
	TemplateID     id.TemplateID   `json:"template_id,omitempty"`
	JobName        string          `json:"job_name"`
	JobType        string          `json:"job_type"`
	Queue          string          `json:"queue"`
	Targets        []string        `json:"targets,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	TaskHandle     id.TaskID       `json:"task_handle,omitempty"`
	SubtaskHandles []id.TaskID     `json:"subtask_handles,omitempty"`
	TriggeredBy    Trigger         `json:"triggered_by"`
	ExecutedBy     string          `json:"executed_by,omitempty"`
	CredentialRef  string          `json:"credential_ref,omitempty"`
	QueuedAt       time.Time       `json:"queued_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// New returns a pending run stamped with fresh ID and timestamps.
func New(jobName, jobType string, trigger Trigger) *Run {
	e := datenschleuder.NewEntity()
	return &Run{
		Entity:      e,
		ID:          id.NewRunID(),
		Status:      StatusPending,
		JobName:     jobName,
		JobType:     jobType,
		TriggeredBy: trigger,
		QueuedAt:    e.CreatedAt,
	}
}

// Clone returns a deep copy so stores can hand out values callers may mutate.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Targets = append([]string(nil), r.Targets...)
	cp.Params = append(json.RawMessage(nil), r.Params...)
	cp.Result = append(json.RawMessage(nil), r.Result...)
	cp.SubtaskHandles = append([]id.TaskID(nil), r.SubtaskHandles...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Handles returns the task handle followed by every subtask handle.
func (r *Run) Handles() []id.TaskID {
	out := make([]id.TaskID, 0, 1+len(r.SubtaskHandles))
	if !r.TaskHandle.IsNil() {
		out = append(out, r.TaskHandle)
	}
	return append(out, r.SubtaskHandles...)
}

// Duration is the wall time between start and completion, zero when either
// timestamp is missing.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}
