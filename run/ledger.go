package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// maxCASAttempts bounds the re-read loop when a concurrent writer wins.
const maxCASAttempts = 8

// Revoker asks the transport to stop a unit of work. Implementations are
// best-effort: a nil error does not promise the work halted.
type Revoker interface {
	Revoke(ctx context.Context, handle id.TaskID) error
}

// Observer is notified after every applied status change. from is empty
// for a freshly created run.
type Observer interface {
	RunTransitioned(ctx context.Context, r *Run, from Status)
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(l *slog.Logger) LedgerOption {
	return func(lg *Ledger) { lg.logger = l }
}

// WithObserver registers the transition observer.
func WithObserver(o Observer) LedgerOption {
	return func(lg *Ledger) { lg.observer = o }
}

// WithRevoker sets the transport used by Cancel.
func WithRevoker(r Revoker) LedgerOption {
	return func(lg *Ledger) { lg.revoker = r }
}

// Ledger applies the run state machine on top of a Store.
// It is safe for concurrent use across goroutines and processes.
type Ledger struct {
	store    Store
	revoker  Revoker
	observer Observer
	logger   *slog.Logger
}

// NewLedger creates a ledger over the given store.
func NewLedger(store Store, opts ...LedgerOption) *Ledger {
	l := &Ledger{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create persists a new pending run.
func (l *Ledger) Create(ctx context.Context, r *Run) error {
	if r.ID.IsNil() {
		r.ID = id.NewRunID()
	}
	r.Status = StatusPending
	if r.QueuedAt.IsZero() {
		r.QueuedAt = time.Now().UTC()
	}
	if r.CreatedAt.IsZero() {
		r.Entity = datenschleuder.NewEntity()
	}
	if err := l.store.CreateRun(ctx, r); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	l.logger.Info("run created",
		slog.String("run_id", r.ID.String()),
		slog.String("job_type", r.JobType),
		slog.String("triggered_by", string(r.TriggeredBy)),
		slog.String("to", string(StatusPending)),
	)
	l.notify(ctx, r, "")
	return nil
}

// MarkStarted moves a pending run to running and records its task handle.
// Repeating the call with the same handle is a no-op. A different handle on
// a running run, or any call on a terminal run, is logged and dropped.
func (l *Ledger) MarkStarted(ctx context.Context, runID id.RunID, handle id.TaskID) (*Run, error) {
	return l.transition(ctx, runID, "mark_started", func(r *Run) (bool, error) {
		switch r.Status {
		case StatusPending:
			now := time.Now().UTC()
			r.Status = StatusRunning
			r.TaskHandle = handle
			r.StartedAt = &now
			return true, nil
		case StatusRunning:
			if r.TaskHandle.String() != handle.String() {
				l.logger.Warn("run start dropped",
					slog.String("run_id", r.ID.String()),
					slog.String("handle", r.TaskHandle.String()),
					slog.String("attempted_handle", handle.String()),
					slog.String("error", datenschleuder.ErrHandleConflict.Error()),
				)
			}
			return false, nil
		default:
			l.logger.Debug("run start ignored on terminal run",
				slog.String("run_id", r.ID.String()),
				slog.String("status", string(r.Status)),
			)
			return false, nil
		}
	})
}

// MarkCompleted finalizes a run as completed with the executor payload.
func (l *Ledger) MarkCompleted(ctx context.Context, runID id.RunID, result json.RawMessage) (*Run, error) {
	return l.finish(ctx, runID, StatusCompleted, result, "")
}

// MarkFailed finalizes a run as failed with a short error message.
func (l *Ledger) MarkFailed(ctx context.Context, runID id.RunID, result json.RawMessage, msg string) (*Run, error) {
	return l.finish(ctx, runID, StatusFailed, result, msg)
}

// MarkCancelled finalizes a run as cancelled without touching the transport.
func (l *Ledger) MarkCancelled(ctx context.Context, runID id.RunID) (*Run, error) {
	return l.finish(ctx, runID, StatusCancelled, nil, "")
}

// AttachSubtasks appends fan-out child and join handles to a running run.
func (l *Ledger) AttachSubtasks(ctx context.Context, runID id.RunID, handles ...id.TaskID) (*Run, error) {
	return l.transition(ctx, runID, "attach_subtasks", func(r *Run) (bool, error) {
		if r.Status != StatusRunning {
			return false, nil
		}
		r.SubtaskHandles = append(r.SubtaskHandles, handles...)
		return true, nil
	})
}

// SetTargets records the resolved device list of a running run.
func (l *Ledger) SetTargets(ctx context.Context, runID id.RunID, targets []string) (*Run, error) {
	return l.transition(ctx, runID, "set_targets", func(r *Run) (bool, error) {
		if r.Status != StatusRunning {
			return false, nil
		}
		r.Targets = append([]string(nil), targets...)
		return true, nil
	})
}

// Cancel revokes the run's task handles on the transport and marks the run
// cancelled. The revoke is best-effort; the ledger write happens whether or
// not the transport honors it. Cancelling a terminal run is a no-op.
func (l *Ledger) Cancel(ctx context.Context, runID id.RunID) (*Run, error) {
	r, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return r, nil
	}

	if l.revoker != nil {
		for _, h := range r.Handles() {
			if rerr := l.revoker.Revoke(ctx, h); rerr != nil {
				l.logger.Warn("revoke failed",
					slog.String("run_id", runID.String()),
					slog.String("handle", h.String()),
					slog.String("error", rerr.Error()),
				)
			}
		}
	}

	return l.MarkCancelled(ctx, runID)
}

// Reap force-fails a run the caller observed as stale. The write only
// applies while the run is still in the observed status.
func (l *Ledger) Reap(ctx context.Context, observed *Run, diagnostic string) (*Run, error) {
	return l.transition(ctx, observed.ID, "reap", func(r *Run) (bool, error) {
		if r.Status != observed.Status {
			return false, nil
		}
		now := time.Now().UTC()
		r.Status = StatusFailed
		r.Error = diagnostic
		r.CompletedAt = &now
		return true, nil
	})
}

// ──────────────────────────────────────────────────
// Query surface
// ──────────────────────────────────────────────────

// Get returns a run by ID.
func (l *Ledger) Get(ctx context.Context, runID id.RunID) (*Run, error) {
	return l.store.GetRun(ctx, runID)
}

// GetByTaskHandle returns the run owning a task handle.
func (l *Ledger) GetByTaskHandle(ctx context.Context, handle id.TaskID) (*Run, error) {
	return l.store.GetRunByTaskHandle(ctx, handle)
}

// List returns runs matching the filter, newest first.
func (l *Ledger) List(ctx context.Context, f Filter, p Page) ([]*Run, error) {
	return l.store.ListRuns(ctx, f, p)
}

// ListNonTerminal returns every pending or running run.
func (l *Ledger) ListNonTerminal(ctx context.Context) ([]*Run, error) {
	return l.store.ListNonTerminal(ctx)
}

// Delete removes a terminal run.
func (l *Ledger) Delete(ctx context.Context, runID id.RunID) error {
	if err := l.store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	l.logger.Info("run deleted", slog.String("run_id", runID.String()))
	return nil
}

// Clear deletes every terminal run matching the filter.
func (l *Ledger) Clear(ctx context.Context, f Filter) (int64, error) {
	if f.Status != "" && !f.Status.Terminal() {
		return 0, nil
	}
	n, err := l.store.ClearRuns(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("clear runs: %w", err)
	}
	l.logger.Info("runs cleared", slog.Int64("count", n))
	return n, nil
}

// Prune deletes terminal runs completed before the cutoff.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	n, err := l.store.PruneRuns(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Internal
// ──────────────────────────────────────────────────

func (l *Ledger) finish(ctx context.Context, runID id.RunID, to Status, result json.RawMessage, msg string) (*Run, error) {
	return l.transition(ctx, runID, "mark_"+string(to), func(r *Run) (bool, error) {
		switch {
		case r.Status == to:
			return false, nil
		case r.Status.Terminal():
			l.logger.Warn("terminal state conflict dropped",
				slog.String("run_id", r.ID.String()),
				slog.String("status", string(r.Status)),
				slog.String("attempted", string(to)),
				slog.String("error", datenschleuder.ErrTerminalStateConflict.Error()),
			)
			return false, nil
		case !r.Status.CanTransition(to):
			return false, fmt.Errorf("%w: %s → %s", datenschleuder.ErrInvalidTransition, r.Status, to)
		}
		now := time.Now().UTC()
		r.Status = to
		r.CompletedAt = &now
		if result != nil {
			r.Result = result
		}
		r.Error = msg
		return true, nil
	})
}

// transition re-reads the run, lets decide mutate a copy and writes it back
// with a compare-and-set on the revision it read. decide returns false to
// leave the run untouched.
func (l *Ledger) transition(ctx context.Context, runID id.RunID, op string, decide func(r *Run) (bool, error)) (*Run, error) {
	for range maxCASAttempts {
		cur, err := l.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		apply, err := decide(next)
		if err != nil {
			return nil, err
		}
		if !apply {
			return cur, nil
		}

		next.Touch()
		next.Revision = cur.Revision + 1
		err = l.store.UpdateRunIf(ctx, next, cur.Revision)
		if errors.Is(err, datenschleuder.ErrRunChanged) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", op, runID, err)
		}

		if cur.Status == next.Status {
			l.logger.Debug("run updated",
				slog.String("run_id", runID.String()),
				slog.String("op", op),
			)
			return next, nil
		}

		l.logger.Info("run transition",
			slog.String("run_id", runID.String()),
			slog.String("op", op),
			slog.String("from", string(cur.Status)),
			slog.String("to", string(next.Status)),
		)
		l.notify(ctx, next, cur.Status)
		return next, nil
	}
	return nil, fmt.Errorf("%s %s: %w", op, runID, datenschleuder.ErrRunChanged)
}

func (l *Ledger) notify(ctx context.Context, r *Run, from Status) {
	if l.observer != nil {
		l.observer.RunTransitioned(ctx, r.Clone(), from)
	}
}
