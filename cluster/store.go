package cluster

import (
	"context"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// Store defines the persistence contract for worker membership and
// scheduler leadership.
type Store interface {
	// RegisterWorker adds or replaces a worker in the registry.
	RegisterWorker(ctx context.Context, w *Worker) error

	// DeregisterWorker removes a worker from the registry.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// HeartbeatWorker refreshes LastSeen and the in-flight task count.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID, active int) error

	// ListWorkers returns all registered workers.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// AcquireLeadership takes the leader lease if it is free or expired.
	// Returns true if workerID holds the lease afterwards.
	AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// RenewLeadership extends the lease held by workerID. Returns false
	// if another worker holds it.
	RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// GetLeader returns the ID of the current lease holder, or a nil ID
	// when the lease is free.
	GetLeader(ctx context.Context) (id.WorkerID, error)
}
