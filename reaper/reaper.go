// Package reaper reconciles the run ledger with what the transport is
// actually doing.
//
// The transport delivers at least once and never reports a crashed worker,
// so a run whose worker died stays running forever unless something
// notices. The reaper sweeps non-terminal runs periodically and force-fails
// those that are stale:
//
//   - running longer than the running ceiling, with none of its task
//     handles in the broker's active report;
//   - pending longer than the pending ceiling.
//
// A second loop prunes terminal runs older than the retention TTL.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// ActiveReporter lists the tasks workers currently hold.
// transport.Broker satisfies it.
type ActiveReporter interface {
	ActiveTasks(ctx context.Context) ([]*transport.Task, error)
}

// Emitter receives reap events. ext.Registry satisfies it.
type Emitter interface {
	EmitRunReaped(ctx context.Context, r *run.Run, diagnostic string)
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithConfig takes the sweep interval, ceilings and retention settings
// from cfg.
func WithConfig(cfg datenschleuder.Config) Option {
	return func(r *Reaper) {
		r.interval = cfg.ReapInterval
		r.runningCeiling = cfg.RunningCeiling
		r.pendingCeiling = cfg.PendingCeiling
		r.retentionTTL = cfg.RetentionTTL
		r.retentionInterval = cfg.RetentionInterval
	}
}

// WithEmitter sets the reap event emitter.
func WithEmitter(e Emitter) Option {
	return func(r *Reaper) { r.emitter = e }
}

// WithLogger sets the reaper logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// Report summarizes one sweep.
type Report struct {
	Checked int
	Reaped  int
}

// Reaper fails stale runs and prunes old terminal runs.
type Reaper struct {
	ledger  *run.Ledger
	active  ActiveReporter
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	interval          time.Duration
	runningCeiling    time.Duration
	pendingCeiling    time.Duration
	retentionTTL      time.Duration
	retentionInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Reaper with the default configuration.
func New(ledger *run.Ledger, active ActiveReporter, opts ...Option) *Reaper {
	r := &Reaper{
		ledger: ledger,
		active: active,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	WithConfig(datenschleuder.DefaultConfig())(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the sweep loop and, when retention is enabled, the
// cleanup loop.
func (r *Reaper) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.loop(r.interval, r.stopCh, func(ctx context.Context) {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("stale sweep failed", slog.String("error", err.Error()))
		}
	})

	if r.retentionTTL > 0 && r.retentionInterval > 0 {
		r.wg.Add(1)
		go r.loop(r.retentionInterval, r.stopCh, func(ctx context.Context) {
			if _, err := r.Cleanup(ctx); err != nil {
				r.logger.Error("retention cleanup failed", slog.String("error", err.Error()))
			}
		})
	}

	r.logger.Info("reaper started",
		slog.Duration("interval", r.interval),
		slog.Duration("running_ceiling", r.runningCeiling),
		slog.Duration("pending_ceiling", r.pendingCeiling),
	)
	return nil
}

// Stop ends both loops and waits for them.
func (r *Reaper) Stop(_ context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *Reaper) loop(every time.Duration, stopCh <-chan struct{}, fn func(ctx context.Context)) {
	defer r.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			fn(context.Background())
		}
	}
}

// Sweep checks every non-terminal run once and fails the stale ones.
// When the broker's active report is unavailable, running runs are left
// alone; only pending runs can be reaped in that sweep.
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	runs, err := r.ledger.ListNonTerminal(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list non-terminal runs: %w", err)
	}

	rep := Report{Checked: len(runs)}
	if len(runs) == 0 {
		return rep, nil
	}

	active, activeErr := r.activeHandles(ctx)
	if activeErr != nil {
		r.logger.Warn("active task report unavailable, skipping running runs",
			slog.String("error", activeErr.Error()),
		)
	}

	now := r.now()
	for _, rn := range runs {
		diag, stale := r.stale(rn, now, active, activeErr == nil)
		if !stale {
			continue
		}
		if r.reap(ctx, rn, diag) {
			rep.Reaped++
		}
	}

	if rep.Reaped > 0 {
		r.logger.Info("stale sweep finished",
			slog.Int("checked", rep.Checked),
			slog.Int("reaped", rep.Reaped),
		)
	}
	return rep, nil
}

func (r *Reaper) activeHandles(ctx context.Context) (map[string]bool, error) {
	tasks, err := r.active.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		set[t.ID.String()] = true
	}
	return set, nil
}

// stale applies the two staleness rules and returns the diagnostic.
func (r *Reaper) stale(rn *run.Run, now time.Time, active map[string]bool, haveActive bool) (string, bool) {
	switch rn.Status {
	case run.StatusPending:
		age := now.Sub(rn.QueuedAt)
		if age <= r.pendingCeiling {
			return "", false
		}
		return fmt.Sprintf("stale: pending for %s, no worker picked it up", age.Round(time.Second)), true

	case run.StatusRunning:
		if !haveActive {
			return "", false
		}
		since := rn.QueuedAt
		if rn.StartedAt != nil {
			since = *rn.StartedAt
		}
		age := now.Sub(since)
		if age <= r.runningCeiling {
			return "", false
		}
		for _, h := range rn.Handles() {
			if active[h.String()] {
				return "", false
			}
		}
		return fmt.Sprintf("stale: running for %s, no worker holds any of its tasks", age.Round(time.Second)), true
	}
	return "", false
}

func (r *Reaper) reap(ctx context.Context, observed *run.Run, diag string) bool {
	rn, err := r.ledger.Reap(ctx, observed, diag)
	if err != nil {
		r.logger.Error("reap failed",
			slog.String("run_id", observed.ID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	if rn.Status != run.StatusFailed || rn.Error != diag {
		// The run moved on between the list and the write.
		return false
	}

	r.logger.Warn("run reaped",
		slog.String("run_id", rn.ID.String()),
		slog.String("job_type", rn.JobType),
		slog.String("from", string(observed.Status)),
		slog.String("diagnostic", diag),
		slog.String("error", datenschleuder.ErrStaleRun.Error()),
	)
	if r.emitter != nil {
		r.emitter.EmitRunReaped(ctx, rn, diag)
	}
	return true
}

// Cleanup prunes terminal runs completed more than the retention TTL ago.
// It is a no-op when retention is disabled.
func (r *Reaper) Cleanup(ctx context.Context) (int64, error) {
	if r.retentionTTL <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-r.retentionTTL)
	n, err := r.ledger.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("retention cleanup finished",
			slog.Int64("pruned", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}
