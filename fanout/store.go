package fanout

import (
	"context"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// Store defines the persistence contract for fan-out barriers.
type Store interface {
	// CreateBarrier registers a barrier expecting total distinct batches.
	// Returns ErrBarrierAlreadyExists if one exists for the run.
	CreateBarrier(ctx context.Context, runID id.RunID, total int) error

	// RecordBatch atomically stores the first result for a batch index and
	// decrements the remaining count. A repeated index is reported as a
	// duplicate and changes nothing.
	RecordBatch(ctx context.Context, runID id.RunID, res BatchResult) (remaining int, duplicate bool, err error)

	// BatchRecorded reports whether a result for index was stored.
	BatchRecorded(ctx context.Context, runID id.RunID, index int) (bool, error)

	// BatchResults returns every recorded batch result and the barrier size.
	BatchResults(ctx context.Context, runID id.RunID) (total int, results []BatchResult, err error)

	// LeaseJoin moves the join lease of a run one step for owner and
	// reports whether the step applied. See [JoinStep] for the rules.
	LeaseJoin(ctx context.Context, runID id.RunID, owner id.TaskID, step JoinStep, lease time.Duration) (bool, error)

	// DeleteBarrier removes the barrier and its results.
	DeleteBarrier(ctx context.Context, runID id.RunID) error
}

// JoinStep names a transition of the join lease. A lease is free when it
// has no owner or its expiry has passed.
type JoinStep int

const (
	// JoinReserve takes a free lease for a join task about to be enqueued.
	JoinReserve JoinStep = iota
	// JoinStart begins the join. It applies to a free lease and to the
	// owner's own reservation, never to a running lease, so two deliveries
	// of one task cannot both start.
	JoinStart
	// JoinRenew extends the owner's running lease.
	JoinRenew
	// JoinGiveUp frees the owner's lease.
	JoinGiveUp
)

// String returns the step name used in logs and store scripts.
func (s JoinStep) String() string {
	switch s {
	case JoinReserve:
		return "reserve"
	case JoinStart:
		return "start"
	case JoinRenew:
		return "renew"
	case JoinGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}
