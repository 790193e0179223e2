package transport

import (
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// Kind says which handler a task is routed to on the worker side.
type Kind string

const (
	// KindExecute runs a job type's executor for a whole run.
	KindExecute Kind = "execute"
	// KindBatch runs one fan-out batch of a run.
	KindBatch Kind = "batch"
	// KindJoin merges the batch results of a run and finalizes it.
	KindJoin Kind = "join"
)

// Task is one unit of work on the transport.
type Task struct {
	ID         id.TaskID   `json:"id"`
	Queue      string      `json:"queue"`
	Kind       Kind        `json:"kind"`
	RunID      id.RunID    `json:"run_id"`
	JobType    string      `json:"job_type"`
	BatchIndex int         `json:"batch_index"`
	Payload    []byte      `json:"payload,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	ReservedAt time.Time   `json:"reserved_at,omitzero"`
	WorkerID   id.WorkerID `json:"worker_id,omitempty"`
}

// NewTask returns a task with a fresh handle.
func NewTask(queue string, kind Kind, runID id.RunID, jobType string) *Task {
	return &Task{
		ID:         id.NewTaskID(),
		Queue:      queue,
		Kind:       kind,
		RunID:      runID,
		JobType:    jobType,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Clone returns a copy safe to hand across goroutines.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Payload = append([]byte(nil), t.Payload...)
	return &cp
}
