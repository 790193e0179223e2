package engine

import (
	"context"

	"github.com/nerdfunk-net/datenschleuder-sub000/run"
)

// barrierRelease drops the fan-out barrier of a parent that ended without
// its join: cancelled by an operator or force-failed by the reaper. A join
// that finalizes the parent releases the barrier itself.
type barrierRelease struct {
	eng *Engine
}

func (barrierRelease) Name() string { return "fanout-barrier-release" }

func (b barrierRelease) OnRunCancelled(ctx context.Context, r *run.Run) error {
	b.release(ctx, r)
	return nil
}

func (b barrierRelease) OnRunFailed(ctx context.Context, r *run.Run) error {
	b.release(ctx, r)
	return nil
}

func (b barrierRelease) release(ctx context.Context, r *run.Run) {
	if len(r.SubtaskHandles) == 0 || b.eng.coordinator == nil {
		return
	}
	b.eng.coordinator.Release(context.WithoutCancel(ctx), r.ID)
}
