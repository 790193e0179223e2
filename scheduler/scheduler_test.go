package scheduler_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
	"github.com/nerdfunk-net/datenschleuder-sub000/schedule"
	"github.com/nerdfunk-net/datenschleuder-sub000/scheduler"
	"github.com/nerdfunk-net/datenschleuder-sub000/store/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ──────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	fail    map[string]bool
	block   chan struct{}
	entered chan struct{}
}

func (d *fakeDispatcher) DispatchSchedule(_ context.Context, s *schedule.Schedule) (*run.Run, error) {
	if d.block != nil {
		d.entered <- struct{}{}
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, s.Name)
	if d.fail[s.Name] {
		return nil, errors.New("template missing")
	}
	return run.New(s.Name, "backup", run.TriggerSchedule), nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type firedEvent struct {
	name  string
	runID id.RunID
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []firedEvent
}

func (e *recordingEmitter) EmitScheduleFired(_ context.Context, _ id.ScheduleID, name string, runID id.RunID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, firedEvent{name: name, runID: runID})
}

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

func createSchedule(t *testing.T, st *memory.Store, name string, cadence schedule.Cadence, next time.Time) *schedule.Schedule {
	t.Helper()
	s, err := schedule.New(name, id.NewTemplateID(), cadence, t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}
	s.NextRun = next
	if err := st.CreateSchedule(context.Background(), s); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return s
}

func newScheduler(st *memory.Store, d scheduler.Dispatcher, now *time.Time, opts ...scheduler.SchedulerOption) *scheduler.Scheduler {
	opts = append(opts, scheduler.WithClock(func() time.Time { return *now }))
	return scheduler.New(st, d, slog.Default(), opts...)
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestTick_AdvancesFromPriorNotNow(t *testing.T) {
	st := memory.New()
	d := &fakeDispatcher{}
	s := createSchedule(t, st, "nightly", schedule.Every(15*time.Minute), t0)

	now := t0.Add(time.Second)
	sch := newScheduler(st, d, &now)

	rep, err := sch.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.Due != 1 || rep.Dispatched != 1 {
		t.Fatalf("report = %+v", rep)
	}

	got, _ := st.GetSchedule(context.Background(), s.ID)
	if want := t0.Add(15 * time.Minute); !got.NextRun.Equal(want) {
		t.Errorf("next_run = %s, want %s", got.NextRun, want)
	}
	if got.LastRun == nil || !got.LastRun.Equal(now) {
		t.Errorf("last_run = %v, want %s", got.LastRun, now)
	}

	// A second tick before the new instant dispatches nothing.
	now = t0.Add(2 * time.Second)
	if _, err := sch.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if d.count() != 1 {
		t.Errorf("dispatches = %d, want 1", d.count())
	}
}

func TestTick_MissedInstantsCoalesce(t *testing.T) {
	st := memory.New()
	d := &fakeDispatcher{}
	s := createSchedule(t, st, "hourly-ish", schedule.Every(15*time.Minute), t0)

	now := t0.Add(50 * time.Minute)
	sch := newScheduler(st, d, &now)
	_, _ = sch.Tick(context.Background())

	if d.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", d.count())
	}
	got, _ := st.GetSchedule(context.Background(), s.ID)
	if want := t0.Add(time.Hour); !got.NextRun.Equal(want) {
		t.Errorf("next_run = %s, want %s", got.NextRun, want)
	}
}

func TestTick_CronCadence(t *testing.T) {
	st := memory.New()
	d := &fakeDispatcher{}
	s := createSchedule(t, st, "daily", schedule.Cron("0 2 * * *"), t0)

	now := t0.Add(time.Minute)
	sch := newScheduler(st, d, &now)
	_, _ = sch.Tick(context.Background())

	got, _ := st.GetSchedule(context.Background(), s.ID)
	if want := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC); !got.NextRun.Equal(want) {
		t.Errorf("next_run = %s, want %s", got.NextRun, want)
	}
}

func TestTick_DispatchFailureDoesNotAbort(t *testing.T) {
	st := memory.New()
	d := &fakeDispatcher{fail: map[string]bool{"broken": true}}
	em := &recordingEmitter{}
	broken := createSchedule(t, st, "broken", schedule.Every(time.Hour), t0.Add(-time.Minute))
	createSchedule(t, st, "healthy", schedule.Every(time.Hour), t0)

	now := t0.Add(time.Second)
	sch := newScheduler(st, d, &now, scheduler.WithEmitter(em))
	rep, err := sch.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.Dispatched != 1 || rep.Failed != 1 {
		t.Errorf("report = %+v, want 1 dispatched 1 failed", rep)
	}

	got, _ := st.GetSchedule(context.Background(), broken.ID)
	if !got.NextRun.After(now) {
		t.Errorf("failed schedule not advanced: next_run = %s", got.NextRun)
	}

	em.mu.Lock()
	defer em.mu.Unlock()
	if len(em.events) != 2 {
		t.Fatalf("events = %d, want 2", len(em.events))
	}
	for _, e := range em.events {
		if e.name == "broken" && !e.runID.IsNil() {
			t.Errorf("failed dispatch reported run %s", e.runID)
		}
		if e.name == "healthy" && e.runID.IsNil() {
			t.Error("successful dispatch reported no run")
		}
	}
}

func TestTick_InactiveScheduleIgnored(t *testing.T) {
	st := memory.New()
	d := &fakeDispatcher{}
	s := createSchedule(t, st, "paused", schedule.Every(time.Hour), t0)
	s.IsActive = false
	_ = st.UpdateSchedule(context.Background(), s)

	now := t0.Add(time.Minute)
	rep, _ := newScheduler(st, d, &now).Tick(context.Background())
	if rep.Due != 0 || d.count() != 0 {
		t.Errorf("inactive schedule fired: %+v", rep)
	}
}

func TestTick_NotLeaderSkips(t *testing.T) {
	st := memory.New()
	d := &fakeDispatcher{}
	createSchedule(t, st, "nightly", schedule.Every(time.Hour), t0)

	now := t0.Add(time.Minute)
	rep, _ := newScheduler(st, d, &now, scheduler.WithLeadership(staticLeader(false))).Tick(context.Background())
	if !rep.Skipped || d.count() != 0 {
		t.Errorf("follower ticked: %+v", rep)
	}
}

func TestTick_OverlappingTickSkipped(t *testing.T) {
	st := memory.New()
	d := &fakeDispatcher{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	createSchedule(t, st, "slow", schedule.Every(time.Hour), t0)

	now := t0.Add(time.Minute)
	sch := newScheduler(st, d, &now)

	done := make(chan scheduler.Report)
	go func() {
		rep, _ := sch.Tick(context.Background())
		done <- rep
	}()

	// The first tick is inside the dispatcher and holds the lock.
	<-d.entered
	second, err := sch.Tick(context.Background())
	if err != nil || !second.Skipped {
		t.Fatalf("overlapping tick = %+v, %v; want skipped", second, err)
	}

	close(d.block)
	first := <-done
	if first.Dispatched != 1 {
		t.Errorf("first tick = %+v", first)
	}
	if d.count() != 1 {
		t.Errorf("dispatches = %d, want 1", d.count())
	}
}

// staleListing serves a due list read before another instance ticked.
type staleListing struct {
	*memory.Store
	due []*schedule.Schedule
}

func (s staleListing) ListDueSchedules(context.Context, time.Time) ([]*schedule.Schedule, error) {
	return s.due, nil
}

func TestTick_TwoInstancesFireOnce(t *testing.T) {
	st := memory.New()
	d := &fakeDispatcher{}
	createSchedule(t, st, "nightly", schedule.Every(time.Hour), t0)

	now := t0.Add(time.Minute)
	due, err := st.ListDueSchedules(context.Background(), now)
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %d, %v", len(due), err)
	}

	first, _ := newScheduler(st, d, &now).Tick(context.Background())
	clock := scheduler.WithClock(func() time.Time { return now })
	second, _ := scheduler.New(staleListing{Store: st, due: due}, d, slog.Default(), clock).Tick(context.Background())

	if first.Dispatched != 1 {
		t.Errorf("first instance = %+v, want 1 dispatched", first)
	}
	if second.Dispatched != 0 || second.Lost != 1 {
		t.Errorf("second instance = %+v, want the instant lost", second)
	}
	if d.count() != 1 {
		t.Errorf("dispatches = %d, want 1", d.count())
	}
}

func TestRecomputeNextRuns(t *testing.T) {
	st := memory.New()
	stuck := createSchedule(t, st, "stuck", schedule.Every(30*time.Minute), time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC))

	n, err := scheduler.RecomputeNextRuns(context.Background(), st, t0, slog.Default())
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if n != 1 {
		t.Errorf("changed = %d, want 1", n)
	}
	got, _ := st.GetSchedule(context.Background(), stuck.ID)
	if want := t0.Add(30 * time.Minute); !got.NextRun.Equal(want) {
		t.Errorf("next_run = %s, want %s", got.NextRun, want)
	}
}

func TestStartStop(t *testing.T) {
	st := memory.New()
	sch := scheduler.New(st, &fakeDispatcher{}, slog.Default(), scheduler.WithTickInterval(10*time.Millisecond))
	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = sch.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	if err := sch.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_ = sch.Stop(context.Background())
}
