package cluster

import (
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// WorkerState represents the lifecycle state of a worker.
type WorkerState string

const (
	// WorkerActive means the worker is reserving and executing tasks.
	WorkerActive WorkerState = "active"
	// WorkerDraining means the worker finishes in-flight tasks but
	// reserves no new ones.
	WorkerDraining WorkerState = "draining"
	// WorkerDead means the worker missed its heartbeat window.
	WorkerDead WorkerState = "dead"
)

// Worker is one worker process serving a set of queues.
type Worker struct {
	ID          id.WorkerID `json:"id"`
	Hostname    string      `json:"hostname"`
	Queues      []string    `json:"queues"`
	JobTypes    []string    `json:"job_types"`
	Concurrency int         `json:"concurrency"`
	Active      int         `json:"active"`
	State       WorkerState `json:"state"`
	IsLeader    bool        `json:"is_leader"`
	LeaderUntil *time.Time  `json:"leader_until,omitempty"`
	LastSeen    time.Time   `json:"last_seen"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Alive reports whether the worker heartbeated within the window.
func (w *Worker) Alive(now time.Time, window time.Duration) bool {
	return w.State != WorkerDead && now.Sub(w.LastSeen) <= window
}
