package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/progress"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// BatchPayload is the task payload of a batch task.
type BatchPayload struct {
	Targets []string `json:"targets"`
}

// Emitter receives fan-out lifecycle events.
// ext.Registry satisfies this interface.
type Emitter interface {
	EmitBatchDone(ctx context.Context, runID id.RunID, index, remaining int)
	EmitJoinFired(ctx context.Context, runID id.RunID, joinTask id.TaskID)
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithEmitter sets the lifecycle emitter.
func WithEmitter(e Emitter) CoordinatorOption {
	return func(c *Coordinator) { c.emitter = e }
}

// WithProgress counts the devices a first batch delivery did not report
// itself against the run's progress counter.
func WithProgress(s progress.Store) CoordinatorOption {
	return func(c *Coordinator) { c.progress = s }
}

// WithJoinLease sets how long a join task owns the aggregate step.
func WithJoinLease(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.joinLease = d
		}
	}
}

const defaultJoinLease = 2 * time.Minute

// Coordinator drives the barrier for fan-out runs.
type Coordinator struct {
	store    Store
	broker   transport.Broker
	ledger   *run.Ledger
	emitter  Emitter
	progress progress.Store
	logger   *slog.Logger

	joinLease time.Duration
}

// NewCoordinator creates a coordinator.
func NewCoordinator(store Store, broker transport.Broker, ledger *run.Ledger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     store,
		broker:    broker,
		ledger:    ledger,
		logger:    slog.Default(),
		joinLease: defaultJoinLease,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start registers the barrier, submits one batch task per batch on queue
// and attaches the batch handles to the parent run.
func (c *Coordinator) Start(ctx context.Context, r *run.Run, queue string, batches [][]string) ([]id.TaskID, error) {
	if len(batches) == 0 {
		return nil, errors.New("fan-out needs at least one batch")
	}
	if err := c.store.CreateBarrier(ctx, r.ID, len(batches)); err != nil {
		return nil, fmt.Errorf("create barrier: %w", err)
	}

	handles := make([]id.TaskID, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, devices := range batches {
		payload, err := json.Marshal(BatchPayload{Targets: devices})
		if err != nil {
			return nil, fmt.Errorf("encode batch %d: %w", i, err)
		}
		t := transport.NewTask(queue, transport.KindBatch, r.ID, r.JobType)
		t.BatchIndex = i
		t.Payload = payload
		handles[i] = t.ID

		g.Go(func() error {
			if err := c.broker.Enqueue(gctx, t); err != nil {
				return fmt.Errorf("enqueue batch %d: %w", t.BatchIndex, err)
			}
			return nil
		})
	}
	err := g.Wait()

	// Handles of batches that did make it onto the transport must be on
	// the run even if a sibling failed, so the reaper sees them.
	if _, aerr := c.ledger.AttachSubtasks(ctx, r.ID, handles...); aerr != nil {
		c.logger.Error("attach batch handles failed",
			slog.String("run_id", r.ID.String()),
			slog.String("error", aerr.Error()),
		)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Info("fan-out started",
		slog.String("run_id", r.ID.String()),
		slog.Int("batches", len(batches)),
		slog.String("queue", queue),
	)
	return handles, nil
}

// ChildDone records a batch result. When it was the last distinct batch the
// join task is submitted and fired is true. The join lease is taken for the
// new task before it is enqueued, so the join fires once however often
// batches are redelivered. A duplicate of a batch on a complete barrier
// resubmits the join only when no join task holds the lease, which
// recovers a join that never reached the transport.
func (c *Coordinator) ChildDone(ctx context.Context, r *run.Run, queue string, res BatchResult) (bool, error) {
	remaining, duplicate, err := c.store.RecordBatch(ctx, r.ID, res)
	if err != nil {
		return false, fmt.Errorf("record batch %d: %w", res.Index, err)
	}
	if duplicate {
		c.logger.Debug("duplicate batch result ignored",
			slog.String("run_id", r.ID.String()),
			slog.Int("batch", res.Index),
		)
	} else {
		if c.progress != nil {
			if n := len(res.Targets) - res.Reported; n > 0 {
				progress.NewReporter(c.progress, r.ID, c.logger).Advance(ctx, n)
			}
		}
		if c.emitter != nil {
			c.emitter.EmitBatchDone(ctx, r.ID, res.Index, remaining)
		}
	}
	if remaining > 0 {
		return false, nil
	}
	return c.submitJoin(ctx, r, queue)
}

func (c *Coordinator) submitJoin(ctx context.Context, r *run.Run, queue string) (bool, error) {
	t := transport.NewTask(queue, transport.KindJoin, r.ID, r.JobType)
	reserved, err := c.store.LeaseJoin(ctx, r.ID, t.ID, JoinReserve, c.joinLease)
	if err != nil {
		return false, fmt.Errorf("reserve join: %w", err)
	}
	if !reserved {
		return false, nil
	}
	if err := c.broker.Enqueue(ctx, t); err != nil {
		if _, rerr := c.store.LeaseJoin(ctx, r.ID, t.ID, JoinGiveUp, 0); rerr != nil {
			c.logger.Warn("join lease not given up",
				slog.String("run_id", r.ID.String()),
				slog.String("error", rerr.Error()),
			)
		}
		return false, fmt.Errorf("enqueue join: %w", err)
	}
	if _, err := c.ledger.AttachSubtasks(ctx, r.ID, t.ID); err != nil {
		c.logger.Error("attach join handle failed",
			slog.String("run_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if c.emitter != nil {
		c.emitter.EmitJoinFired(ctx, r.ID, t.ID)
	}
	c.logger.Info("join submitted",
		slog.String("run_id", r.ID.String()),
		slog.String("task_id", t.ID.String()),
	)
	return true, nil
}

// Recorded reports whether the barrier already holds batch index.
func (c *Coordinator) Recorded(ctx context.Context, runID id.RunID, index int) (bool, error) {
	return c.store.BatchRecorded(ctx, runID, index)
}

// Collect merges the recorded batch results and starts the join for
// owner. claimed is false while another delivery holds the lease; only the
// holder may run aggregate side effects, and it should keep the lease alive
// with [Coordinator.KeepJoin]. The reservation taken when the join was
// submitted passes to its own task; anyone else waits for expiry.
func (c *Coordinator) Collect(ctx context.Context, runID id.RunID, owner id.TaskID) (agg *Aggregate, claimed bool, err error) {
	total, results, err := c.store.BatchResults(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	if len(results) < total {
		return nil, false, fmt.Errorf("%w: %d of %d batches reported", datenschleuder.ErrBarrierIncomplete, len(results), total)
	}
	claimed, err = c.store.LeaseJoin(ctx, runID, owner, JoinStart, c.joinLease)
	if err != nil {
		return nil, false, fmt.Errorf("start join: %w", err)
	}
	return Merge(total, results), claimed, nil
}

// KeepJoin renews owner's join lease until stop is called. Renewal runs at a
// third of the lease so a live join never loses it.
func (c *Coordinator) KeepJoin(ctx context.Context, runID id.RunID, owner id.TaskID) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.joinLease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := c.store.LeaseJoin(ctx, runID, owner, JoinRenew, c.joinLease)
				if err == nil && ok {
					continue
				}
				msg := "lease taken over"
				if err != nil {
					msg = err.Error()
				}
				c.logger.Warn("join lease renewal failed",
					slog.String("run_id", runID.String()),
					slog.String("task_id", owner.String()),
					slog.String("error", msg),
				)
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// JoinLease returns the configured lease duration.
func (c *Coordinator) JoinLease() time.Duration { return c.joinLease }

// Release drops the barrier once the parent run is final.
func (c *Coordinator) Release(ctx context.Context, runID id.RunID) {
	if err := c.store.DeleteBarrier(ctx, runID); err != nil && !errors.Is(err, datenschleuder.ErrBarrierNotFound) {
		c.logger.Warn("delete barrier failed",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
	}
}
