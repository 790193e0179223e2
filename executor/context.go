package executor

import (
	"encoding/json"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/progress"
)

// Context is what the engine tells an executor about the run it serves.
type Context struct {
	RunID         id.RunID
	ScheduleID    id.ScheduleID
	TemplateID    id.TemplateID
	JobName       string
	JobType       string
	CredentialRef string
	Params        json.RawMessage
	Targets       []string
	// BatchIndex is the fan-out batch number, -1 outside a batch.
	BatchIndex int
	Progress   *progress.Reporter
}

// Status is the executor's view of where the run stands.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusRunning means finalization is deferred to the fan-out join.
	StatusRunning Status = "running"
)

// Result is the normalized outcome of one executor call.
type Result struct {
	Success bool            `json:"success"`
	Status  Status          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Deferred is the result of a run that fanned out.
func Deferred() Result {
	return Result{Success: true, Status: StatusRunning}
}
