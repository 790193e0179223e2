// Package scheduler runs the periodic tick that turns due schedules into
// dispatched runs.
//
// Ticks never overlap: a tick that finds the previous one still running is
// skipped and logged. For every active schedule whose next_run has passed,
// the tick first advances next_run from its prior value by whole cadence
// steps until it lies strictly after now, then dispatches once. Instants
// missed while the process was down coalesce into that single dispatch.
// The advance is a compare-and-set on the prior value and only its winner
// dispatches, so two scheduler instances never fire the same instant.
//
// When a [Leadership] is configured, only the current leader ticks.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
	"github.com/nerdfunk-net/datenschleuder-sub000/schedule"
)

// Dispatcher starts a run for a due schedule. engine.Engine implements it.
type Dispatcher interface {
	DispatchSchedule(ctx context.Context, s *schedule.Schedule) (*run.Run, error)
}

// Emitter receives schedule lifecycle events.
// ext.Registry satisfies this interface via EmitScheduleFired.
type Emitter interface {
	EmitScheduleFired(ctx context.Context, scheduleID id.ScheduleID, name string, runID id.RunID)
}

// Leadership gates the tick to one process. cluster.Elector implements it.
type Leadership interface {
	IsLeader() bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due schedules.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLeadership makes the tick a no-op on processes that do not hold
// the scheduler lease.
func WithLeadership(l Leadership) SchedulerOption {
	return func(s *Scheduler) { s.leader = l }
}

// WithEmitter sets the lifecycle emitter.
func WithEmitter(e Emitter) SchedulerOption {
	return func(s *Scheduler) { s.emitter = e }
}

// WithClock overrides the time source. Tests use it to pin now.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// Report summarizes one tick.
type Report struct {
	// Skipped is set when the tick did not run: another tick was still in
	// progress or this process is not the leader.
	Skipped    bool
	Due        int
	Dispatched int
	Failed     int
	// Lost counts due schedules another instance advanced first.
	Lost int
}

// Scheduler fires due schedules on a fixed period.
type Scheduler struct {
	store      schedule.Store
	dispatcher Dispatcher
	emitter    Emitter
	leader     Leadership
	logger     *slog.Logger
	now        func() time.Time

	tickInterval time.Duration

	// tickMu is held for the duration of a tick; TryLock failure means
	// the previous tick overran.
	tickMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler.
func New(store schedule.Store, dispatcher Dispatcher, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		dispatcher:   dispatcher,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		tickInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick goroutine. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.tickLoop(s.stopCh)

	s.logger.Info("scheduler started", slog.Duration("tick_interval", s.tickInterval))
	return nil
}

// Stop signals the tick loop to stop and waits for an in-flight tick.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop(stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// A slow tick must not hold up the ticker; overlapping ticks
			// are rejected by tickMu.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if _, err := s.Tick(context.Background()); err != nil {
					s.logger.Error("tick failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// Tick processes every due schedule once. The returned error is only set
// when the due schedules could not be listed; per-schedule dispatch
// failures are logged and counted in the report.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	if !s.tickMu.TryLock() {
		s.logger.Warn("previous tick still running, skipping")
		return Report{Skipped: true}, nil
	}
	defer s.tickMu.Unlock()

	if s.leader != nil && !s.leader.IsLeader() {
		return Report{Skipped: true}, nil
	}

	now := s.now()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return Report{}, err
	}

	rep := Report{Due: len(due)}
	for _, sched := range due {
		switch s.fire(ctx, sched, now) {
		case fired:
			rep.Dispatched++
		case lost:
			rep.Lost++
		default:
			rep.Failed++
		}
	}
	if rep.Due > 0 {
		s.logger.Info("tick finished",
			slog.Int("due", rep.Due),
			slog.Int("dispatched", rep.Dispatched),
			slog.Int("failed", rep.Failed),
			slog.Int("lost", rep.Lost),
		)
	}
	return rep, nil
}

type outcome int

const (
	failed outcome = iota
	fired
	lost
)

// fire claims the due instant by advancing next_run and, when the claim
// was won, dispatches the schedule. The instant is consumed whether or not
// the dispatch works.
func (s *Scheduler) fire(ctx context.Context, sched *schedule.Schedule, now time.Time) outcome {
	switch res := s.advance(ctx, sched, now); res {
	case lost, failed:
		return res
	}

	runID := id.Nil
	r, dispatchErr := s.dispatcher.DispatchSchedule(ctx, sched)
	if dispatchErr != nil {
		s.logger.Error("schedule dispatch failed",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("schedule_name", sched.Name),
			slog.String("error", dispatchErr.Error()),
		)
	} else {
		runID = r.ID
	}

	if s.emitter != nil {
		s.emitter.EmitScheduleFired(ctx, sched.ID, sched.Name, runID)
	}
	if dispatchErr != nil {
		return failed
	}
	s.logger.Info("schedule fired",
		slog.String("schedule_id", sched.ID.String()),
		slog.String("schedule_name", sched.Name),
		slog.String("run_id", runID.String()),
		slog.Time("due", sched.NextRun),
	)
	return fired
}

// advance moves next_run past now. It returns fired when this tick owns
// the instant.
func (s *Scheduler) advance(ctx context.Context, sched *schedule.Schedule, now time.Time) outcome {
	next, err := sched.Cadence.Advance(sched.NextRun, now)
	if err != nil {
		s.logger.Error("compute next run failed",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("cadence", sched.Cadence.String()),
			slog.String("error", err.Error()),
		)
		return failed
	}

	ok, err := s.store.AdvanceNextRun(ctx, sched.ID, sched.NextRun, next, now)
	if err != nil {
		s.logger.Error("advance next run failed",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("error", err.Error()),
		)
		return failed
	}
	if !ok {
		s.logger.Info("instant already claimed by another scheduler",
			slog.String("schedule_id", sched.ID.String()),
			slog.Time("prior", sched.NextRun),
		)
		return lost
	}
	s.logger.Debug("next run advanced",
		slog.String("schedule_id", sched.ID.String()),
		slog.Time("prior", sched.NextRun),
		slog.Time("next", next),
	)
	return fired
}

// RecomputeNextRuns resets next_run of every active schedule to the first
// cadence instant after now. It is the repair tool for schedules stuck on
// a bad value and returns how many schedules changed.
func RecomputeNextRuns(ctx context.Context, store schedule.Store, now time.Time, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	all, err := store.ListSchedules(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, sched := range all {
		if !sched.IsActive {
			continue
		}
		next, err := sched.Cadence.First(now)
		if err != nil {
			logger.Warn("recompute skipped schedule with bad cadence",
				slog.String("schedule_id", sched.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if next.Equal(sched.NextRun) {
			continue
		}
		sched.NextRun = next
		sched.Touch()
		if err := store.UpdateSchedule(ctx, sched); err != nil {
			return changed, err
		}
		changed++
		logger.Info("next run recomputed",
			slog.String("schedule_id", sched.ID.String()),
			slog.Time("next", next),
		)
	}
	return changed, nil
}
