package transport

import (
	"context"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// QueueStats is the depth report for one queue.
type QueueStats struct {
	Queue   string `json:"queue"`
	Pending int64  `json:"pending"`
	Active  int64  `json:"active"`
}

// Broker moves tasks between the dispatcher and workers.
type Broker interface {
	// Enqueue submits a task to its queue. The task's ID is the opaque
	// handle recorded in the ledger.
	Enqueue(ctx context.Context, t *Task) error

	// Reserve pops the next task from the first non-empty queue in order
	// and marks it active for workerID. Returns nil, nil when every queue
	// is empty. Revoked tasks are discarded instead of returned.
	Reserve(ctx context.Context, queues []string, workerID id.WorkerID) (*Task, error)

	// Ack removes a finished task from the active set.
	Ack(ctx context.Context, taskID id.TaskID) error

	// Revoke removes a queued task, or flags an active one for
	// cancellation. Unknown handles are not an error.
	Revoke(ctx context.Context, taskID id.TaskID) error

	// IsRevoked reports whether a revocation was recorded for the task.
	IsRevoked(ctx context.Context, taskID id.TaskID) (bool, error)

	// ActiveTasks reports every reserved or executing task.
	ActiveTasks(ctx context.Context) ([]*Task, error)

	// Stats reports pending and active counts for the given queues.
	Stats(ctx context.Context, queues []string) ([]QueueStats, error)

	// Purge drops every queued task of one queue and returns how many
	// were removed. Active tasks are never touched.
	Purge(ctx context.Context, queue string) (int64, error)

	// Close releases the broker's connections.
	Close() error
}
