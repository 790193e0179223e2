// Package progress keeps run-scoped (done, total) counters in a store shared
// by every worker process. Batches of one fan-out run increment the same
// counter concurrently, so increments must be atomic in the backend.
package progress

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// Progress is a snapshot of a run's counter.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Percent returns the completion percentage, clamped to [0, 100].
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	pct := p.Done * 100 / p.Total
	return min(max(pct, 0), 100)
}

// Store defines the persistence contract for progress counters.
type Store interface {
	// InitProgress creates or resets the counter with a TTL.
	InitProgress(ctx context.Context, runID id.RunID, total int, ttl time.Duration) error

	// IncrProgress atomically adds delta to the done count and returns
	// the new value.
	IncrProgress(ctx context.Context, runID id.RunID, delta int) (int, error)

	// GetProgress returns the counter, zero when it never existed or expired.
	GetProgress(ctx context.Context, runID id.RunID) (Progress, error)

	// DeleteProgress drops the counter.
	DeleteProgress(ctx context.Context, runID id.RunID) error
}

// Reporter is the per-run handle executors use to report finished devices.
// A nil Reporter is valid and discards every report.
type Reporter struct {
	store    Store
	runID    id.RunID
	logger   *slog.Logger
	reported atomic.Int64
}

// NewReporter binds a store to one run.
func NewReporter(store Store, runID id.RunID, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: store, runID: runID, logger: logger}
}

// Advance records n more finished devices. Failures are logged only;
// progress is advisory and never fails a run.
func (r *Reporter) Advance(ctx context.Context, n int) {
	if r == nil || r.store == nil || n == 0 {
		return
	}
	if _, err := r.store.IncrProgress(ctx, r.runID, n); err != nil {
		r.logger.Warn("progress update failed",
			slog.String("run_id", r.runID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	r.reported.Add(int64(n))
}

// Reported returns how many devices this Reporter has counted so far.
func (r *Reporter) Reported() int {
	if r == nil {
		return 0
	}
	return int(r.reported.Load())
}

// Snapshot reads the current counter.
func (r *Reporter) Snapshot(ctx context.Context) (Progress, error) {
	if r == nil || r.store == nil {
		return Progress{}, nil
	}
	return r.store.GetProgress(ctx, r.runID)
}
