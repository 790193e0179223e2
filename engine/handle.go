package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/executor"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/progress"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// HandleTask is the worker-side entry point for every task kind. It is the
// worker pool's Handler; tests call it directly. The returned error only
// informs middleware: the ledger already holds the outcome.
func (eng *Engine) HandleTask(ctx context.Context, t *transport.Task) error {
	switch t.Kind {
	case transport.KindExecute:
		return eng.handleExecute(ctx, t)
	case transport.KindBatch:
		return eng.handleBatch(ctx, t)
	case transport.KindJoin:
		return eng.handleJoin(ctx, t)
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

// ──────────────────────────────────────────────────
// Execute
// ──────────────────────────────────────────────────

func (eng *Engine) handleExecute(ctx context.Context, t *transport.Task) error {
	entry, err := eng.registry.Lookup(t.JobType)
	if err != nil {
		// Only reachable when workers run an older registry than the
		// dispatcher.
		_, _ = eng.ledger.MarkFailed(context.WithoutCancel(ctx), t.RunID, nil, err.Error())
		return err
	}

	r, err := eng.ledger.MarkStarted(ctx, t.RunID, t.ID)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	if r.Status != run.StatusRunning || r.TaskHandle.String() != t.ID.String() {
		eng.logger.Info("execute skipped",
			slog.String("run_id", r.ID.String()),
			slog.String("status", string(r.Status)),
			slog.String("task_id", t.ID.String()),
		)
		return nil
	}

	var payload executePayload
	if len(t.Payload) > 0 {
		if err := json.Unmarshal(t.Payload, &payload); err != nil {
			return eng.fail(ctx, r, nil, "decode task payload: "+err.Error())
		}
	}

	if len(r.Targets) == 0 && !payload.Inventory.IsZero() {
		targets, err := eng.resolveTargets(ctx, payload)
		if err != nil {
			return eng.fail(ctx, r, nil, "resolve inventory: "+executor.Summarize(err))
		}
		if updated, err := eng.ledger.SetTargets(ctx, r.ID, targets); err == nil {
			r = updated
		} else {
			r.Targets = targets
		}
	}

	eng.initProgress(ctx, r)

	if entry.CanFanOut() && payload.ParallelTasks > 1 && len(r.Targets) > 1 {
		return eng.fanOut(ctx, t, r, payload.ParallelTasks)
	}

	res := entry.Run(ctx, eng.execContext(r, -1))
	return eng.finalize(ctx, r, res)
}

func (eng *Engine) resolveTargets(ctx context.Context, p executePayload) ([]string, error) {
	if eng.inventory == nil {
		if p.Inventory.Kind == "static" || p.Inventory.Kind == "" {
			return p.Inventory.Devices, nil
		}
		return nil, fmt.Errorf("no inventory source configured for kind %q", p.Inventory.Kind)
	}
	return eng.inventory.ResolveDevices(ctx, p.Inventory)
}

func (eng *Engine) fanOut(ctx context.Context, t *transport.Task, r *run.Run, parallel int) error {
	batches := fanout.Split(r.Targets, parallel)
	if _, err := eng.coordinator.Start(ctx, r, t.Queue, batches); err != nil {
		eng.coordinator.Release(context.WithoutCancel(ctx), r.ID)
		return eng.fail(ctx, r, nil, "fan-out: "+executor.Summarize(err))
	}
	return nil
}

// finalize writes a synchronous executor result to the ledger. A running
// result leaves the run to the join.
func (eng *Engine) finalize(ctx context.Context, r *run.Run, res executor.Result) error {
	ctx = context.WithoutCancel(ctx)
	switch res.Status {
	case executor.StatusCompleted:
		if _, err := eng.ledger.MarkCompleted(ctx, r.ID, res.Payload); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		return nil
	case executor.StatusRunning:
		return nil
	default:
		return eng.fail(ctx, r, res.Payload, res.Error)
	}
}

// fail marks the run failed and returns the message as the task error.
func (eng *Engine) fail(ctx context.Context, r *run.Run, payload json.RawMessage, msg string) error {
	if _, err := eng.ledger.MarkFailed(context.WithoutCancel(ctx), r.ID, payload, msg); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return fmt.Errorf("run %s failed: %s", r.ID, msg)
}

// ──────────────────────────────────────────────────
// Batch
// ──────────────────────────────────────────────────

func (eng *Engine) handleBatch(ctx context.Context, t *transport.Task) error {
	r, err := eng.ledger.Get(ctx, t.RunID)
	if err != nil {
		return fmt.Errorf("load parent run: %w", err)
	}
	if r.Status.Terminal() {
		eng.logger.Info("batch skipped, parent is final",
			slog.String("run_id", r.ID.String()),
			slog.Int("batch", t.BatchIndex),
			slog.String("status", string(r.Status)),
		)
		return nil
	}

	recorded, err := eng.coordinator.Recorded(ctx, r.ID, t.BatchIndex)
	if err != nil {
		return fmt.Errorf("check batch %d: %w", t.BatchIndex, err)
	}
	if recorded {
		// Redelivery of a batch the barrier already holds: skip the
		// devices, but let the coordinator resubmit a lost join.
		_, err := eng.coordinator.ChildDone(context.WithoutCancel(ctx), r, t.Queue, fanout.BatchResult{Index: t.BatchIndex})
		return err
	}

	var payload fanout.BatchPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("decode batch payload: %w", err)
	}

	res := fanout.BatchResult{Index: t.BatchIndex, Targets: payload.Targets}
	entry, err := eng.registry.Lookup(t.JobType)
	if err == nil {
		ec := eng.execContext(r, t.BatchIndex)
		ec.Targets = payload.Targets
		res.Devices, err = entry.RunBatch(ctx, ec, payload.Targets)
		res.Reported = ec.Progress.Reported()
	}
	if err != nil {
		res.Error = executor.Summarize(err)
		eng.logger.Warn("batch failed",
			slog.String("run_id", r.ID.String()),
			slog.Int("batch", t.BatchIndex),
			slog.String("error", res.Error),
		)
	}

	// Results must reach the barrier even when the task was revoked
	// mid-flight; otherwise the join never fires.
	ctx = context.WithoutCancel(ctx)
	if _, err := eng.coordinator.ChildDone(ctx, r, t.Queue, res); err != nil {
		return err
	}
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Join
// ──────────────────────────────────────────────────

func (eng *Engine) handleJoin(ctx context.Context, t *transport.Task) error {
	r, err := eng.ledger.Get(ctx, t.RunID)
	if err != nil {
		return fmt.Errorf("load parent run: %w", err)
	}
	if r.Status.Terminal() {
		eng.logger.Info("join skipped, parent is final",
			slog.String("run_id", r.ID.String()),
			slog.String("status", string(r.Status)),
		)
		eng.coordinator.Release(ctx, r.ID)
		return nil
	}

	entry, err := eng.registry.Lookup(t.JobType)
	if err != nil {
		return eng.fail(ctx, r, nil, err.Error())
	}

	agg, claimed, err := eng.awaitJoin(ctx, r.ID, t.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	stop := eng.coordinator.KeepJoin(ctx, r.ID, t.ID)
	joinOut, joinErr := entry.RunJoin(ctx, eng.execContext(r, -1), agg)
	stop()
	agg.Join = joinOut

	ctx = context.WithoutCancel(ctx)
	eng.completeProgress(ctx, r)

	payload, err := json.Marshal(agg)
	if err != nil {
		return eng.fail(ctx, r, nil, "encode aggregate: "+err.Error())
	}

	var result error
	switch {
	case joinErr != nil:
		result = eng.fail(ctx, r, payload, "join: "+executor.Summarize(joinErr))
	case entry.Policy.Succeeded(agg):
		if _, err := eng.ledger.MarkCompleted(ctx, r.ID, payload); err != nil {
			result = fmt.Errorf("mark completed: %w", err)
		}
	default:
		result = eng.fail(ctx, r, payload, fmt.Sprintf("%d of %d devices failed", agg.Failed, agg.Total))
	}

	eng.coordinator.Release(ctx, r.ID)
	return result
}

// awaitJoin starts the join lease for task. While another delivery holds it,
// awaitJoin waits for that lease to end or expire. It reports claimed=false
// once the barrier is gone or the parent is final.
func (eng *Engine) awaitJoin(ctx context.Context, runID id.RunID, task id.TaskID) (*fanout.Aggregate, bool, error) {
	wait := eng.config.PollInterval
	if l := eng.coordinator.JoinLease() / 4; wait <= 0 || l < wait {
		wait = l
	}
	for logged := false; ; logged = true {
		agg, claimed, err := eng.coordinator.Collect(ctx, runID, task)
		if errors.Is(err, datenschleuder.ErrBarrierNotFound) {
			// Another delivery finished the join and released the barrier.
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("collect batches: %w", err)
		}
		if claimed {
			return agg, true, nil
		}
		if !logged {
			eng.logger.Debug("join leased by another task, waiting",
				slog.String("run_id", runID.String()),
				slog.String("task_id", task.String()),
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		case <-timer.C:
		}

		r, err := eng.ledger.Get(ctx, runID)
		if err != nil {
			return nil, false, fmt.Errorf("load parent run: %w", err)
		}
		if r.Status.Terminal() {
			return nil, false, nil
		}
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (eng *Engine) execContext(r *run.Run, batchIndex int) *executor.Context {
	return &executor.Context{
		RunID:         r.ID,
		ScheduleID:    r.ScheduleID,
		TemplateID:    r.TemplateID,
		JobName:       r.JobName,
		JobType:       r.JobType,
		CredentialRef: r.CredentialRef,
		Params:        r.Params,
		Targets:       r.Targets,
		BatchIndex:    batchIndex,
		Progress:      eng.progress(r),
	}
}

func (eng *Engine) progress(r *run.Run) *progress.Reporter {
	return progress.NewReporter(eng.store, r.ID, eng.logger)
}

func (eng *Engine) initProgress(ctx context.Context, r *run.Run) {
	if len(r.Targets) == 0 {
		return
	}
	if err := eng.store.InitProgress(ctx, r.ID, len(r.Targets), eng.config.ProgressTTL); err != nil {
		eng.logger.Warn("progress init failed",
			slog.String("run_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// completeProgress is the join's final progress write: whatever the
// batches reported, a finished run shows every device done.
func (eng *Engine) completeProgress(ctx context.Context, r *run.Run) {
	rep := eng.progress(r)
	p, err := rep.Snapshot(ctx)
	if err != nil {
		eng.logger.Warn("progress read failed",
			slog.String("run_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if p.Done < p.Total {
		rep.Advance(ctx, p.Total-p.Done)
	}
}
