package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/cluster"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
	"github.com/nerdfunk-net/datenschleuder-sub000/schedule"
	"github.com/nerdfunk-net/datenschleuder-sub000/store"
	"github.com/nerdfunk-net/datenschleuder-sub000/store/memory"
	"github.com/nerdfunk-net/datenschleuder-sub000/template"
)

var _ store.Store = (*memory.Store)(nil)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Run Store tests
// ──────────────────────────────────────────────────

func TestRun_CreateGetDuplicate(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	r := run.New("nightly backup", "backup", run.TriggerSchedule)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, r); !errors.Is(err, datenschleuder.ErrRunAlreadyExists) {
		t.Fatalf("expected ErrRunAlreadyExists, got %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.JobName != "nightly backup" {
		t.Errorf("JobName = %q", got.JobName)
	}

	// Returned copies must not alias stored state.
	got.Status = run.StatusFailed
	again, _ := s.GetRun(ctx, r.ID)
	if again.Status != run.StatusPending {
		t.Errorf("stored status changed through a returned copy: %q", again.Status)
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, datenschleuder.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRun_UpdateRunIf(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	r := run.New("job", "backup", run.TriggerManual)
	_ = s.CreateRun(ctx, r)

	next := r.Clone()
	next.Status = run.StatusRunning
	next.Revision = 1
	if err := s.UpdateRunIf(ctx, next, 0); err != nil {
		t.Fatalf("UpdateRunIf: %v", err)
	}

	stale := r.Clone()
	stale.Status = run.StatusCancelled
	stale.Revision = 1
	if err := s.UpdateRunIf(ctx, stale, 0); !errors.Is(err, datenschleuder.ErrRunChanged) {
		t.Fatalf("expected ErrRunChanged, got %v", err)
	}

	// A writer that keeps the status still loses against a newer revision.
	sameStatus := next.Clone()
	sameStatus.SubtaskHandles = []id.TaskID{id.NewTaskID()}
	sameStatus.Revision = 1
	if err := s.UpdateRunIf(ctx, sameStatus, 0); !errors.Is(err, datenschleuder.ErrRunChanged) {
		t.Fatalf("expected ErrRunChanged for same-status writer, got %v", err)
	}
	if err := s.UpdateRunIf(ctx, run.New("x", "backup", run.TriggerManual), 0); !errors.Is(err, datenschleuder.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRun_GetByTaskHandle(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	r := run.New("job", "backup", run.TriggerManual)
	r.TaskHandle = id.NewTaskID()
	child := id.NewTaskID()
	r.SubtaskHandles = []id.TaskID{child}
	_ = s.CreateRun(ctx, r)

	for _, h := range []id.TaskID{r.TaskHandle, child} {
		got, err := s.GetRunByTaskHandle(ctx, h)
		if err != nil {
			t.Fatalf("GetRunByTaskHandle(%s): %v", h, err)
		}
		if got.ID.String() != r.ID.String() {
			t.Errorf("got run %s, want %s", got.ID, r.ID)
		}
	}
}

func TestRun_ListFilterAndPage(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var ids []id.RunID
	for i := range 5 {
		r := run.New("job", "backup", run.TriggerManual)
		if i%2 == 1 {
			r.JobType = "sync_inventory"
		}
		r.QueuedAt = base.Add(time.Duration(i) * time.Minute)
		_ = s.CreateRun(ctx, r)
		ids = append(ids, r.ID)
	}

	all, _ := s.ListRuns(ctx, run.Filter{}, run.Page{})
	if len(all) != 5 {
		t.Fatalf("expected 5 runs, got %d", len(all))
	}
	if all[0].ID.String() != ids[4].String() {
		t.Errorf("expected newest first")
	}

	backups, _ := s.ListRuns(ctx, run.Filter{JobType: "backup"}, run.Page{})
	if len(backups) != 3 {
		t.Errorf("expected 3 backup runs, got %d", len(backups))
	}

	page, _ := s.ListRuns(ctx, run.Filter{}, run.Page{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID.String() != ids[3].String() {
		t.Errorf("unexpected page: %d runs", len(page))
	}
}

func TestRun_DeleteClearPruneSkipNonTerminal(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	pending := run.New("job", "backup", run.TriggerManual)
	done := run.New("job", "backup", run.TriggerManual)
	done.Status = run.StatusCompleted
	done.CompletedAt = &old
	failed := run.New("job", "backup", run.TriggerManual)
	failed.Status = run.StatusFailed
	recent := time.Now().UTC()
	failed.CompletedAt = &recent
	for _, r := range []*run.Run{pending, done, failed} {
		_ = s.CreateRun(ctx, r)
	}

	if err := s.DeleteRun(ctx, pending.ID); !errors.Is(err, datenschleuder.ErrRunNotTerminal) {
		t.Fatalf("expected ErrRunNotTerminal, got %v", err)
	}

	n, _ := s.PruneRuns(ctx, time.Now().UTC().Add(-24*time.Hour))
	if n != 1 {
		t.Errorf("PruneRuns removed %d, want 1", n)
	}

	n, _ = s.ClearRuns(ctx, run.Filter{})
	if n != 1 {
		t.Errorf("ClearRuns removed %d, want 1", n)
	}

	left, _ := s.ListNonTerminal(ctx)
	if len(left) != 1 || left[0].ID.String() != pending.ID.String() {
		t.Errorf("pending run must survive cleanup")
	}
}

// ──────────────────────────────────────────────────
// Template / Schedule Store tests
// ──────────────────────────────────────────────────

func TestTemplate_CRUD(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	tpl := template.New("core backups", "backup")
	if err := s.CreateTemplate(ctx, tpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	tpl.ParallelTasks = 4
	if err := s.UpdateTemplate(ctx, tpl); err != nil {
		t.Fatalf("UpdateTemplate: %v", err)
	}
	got, _ := s.GetTemplate(ctx, tpl.ID)
	if got.ParallelTasks != 4 {
		t.Errorf("ParallelTasks = %d, want 4", got.ParallelTasks)
	}
	if err := s.DeleteTemplate(ctx, tpl.ID); err != nil {
		t.Fatalf("DeleteTemplate: %v", err)
	}
	if _, err := s.GetTemplate(ctx, tpl.ID); !errors.Is(err, datenschleuder.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestSchedule_DueAndAdvance(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	sch, err := schedule.New("every 15m", id.NewTemplateID(), schedule.Every(15*time.Minute), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("schedule.New: %v", err)
	}
	_ = s.CreateSchedule(ctx, sch)

	inactive, _ := schedule.New("off", id.NewTemplateID(), schedule.Every(time.Minute), now.Add(-time.Hour))
	inactive.IsActive = false
	_ = s.CreateSchedule(ctx, inactive)

	due, _ := s.ListDueSchedules(ctx, now)
	if len(due) != 1 || due[0].ID.String() != sch.ID.String() {
		t.Fatalf("expected only the active schedule to be due, got %d", len(due))
	}

	prior := due[0].NextRun
	next := prior.Add(time.Hour)
	ok, err := s.AdvanceNextRun(ctx, sch.ID, prior, next, now)
	if err != nil || !ok {
		t.Fatalf("first advance: ok=%v err=%v", ok, err)
	}
	ok, _ = s.AdvanceNextRun(ctx, sch.ID, prior, next.Add(time.Hour), now)
	if ok {
		t.Fatal("second advance from the same prior must lose")
	}

	got, _ := s.GetSchedule(ctx, sch.ID)
	if !got.NextRun.Equal(next) || got.LastRun == nil || !got.LastRun.Equal(now) {
		t.Errorf("NextRun=%v LastRun=%v", got.NextRun, got.LastRun)
	}
}

// ──────────────────────────────────────────────────
// Fan-out barrier tests
// ──────────────────────────────────────────────────

func TestBarrier_ConcurrentRecordCountsEachIndexOnce(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	runID := id.NewRunID()
	_ = s.CreateBarrier(ctx, runID, 4)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		zeroes int
	)
	for i := range 4 {
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				remaining, dup, err := s.RecordBatch(ctx, runID, fanout.BatchResult{Index: i})
				if err != nil {
					t.Errorf("RecordBatch: %v", err)
					return
				}
				if !dup && remaining == 0 {
					mu.Lock()
					zeroes++
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	if zeroes != 1 {
		t.Fatalf("barrier reached zero %d times, want 1", zeroes)
	}
	total, results, _ := s.BatchResults(ctx, runID)
	if total != 4 || len(results) != 4 {
		t.Errorf("total=%d results=%d", total, len(results))
	}

	if ok, err := s.BatchRecorded(ctx, runID, 2); err != nil || !ok {
		t.Errorf("BatchRecorded(2) = %v, %v; want true", ok, err)
	}
	if ok, _ := s.BatchRecorded(ctx, runID, 9); ok {
		t.Error("BatchRecorded(9) should be false")
	}

	owner, other := id.NewTaskID(), id.NewTaskID()
	step := func(owner id.TaskID, st fanout.JoinStep, lease time.Duration) bool {
		t.Helper()
		ok, err := s.LeaseJoin(ctx, runID, owner, st, lease)
		if err != nil {
			t.Fatalf("LeaseJoin %s: %v", st, err)
		}
		return ok
	}
	if !step(owner, fanout.JoinReserve, time.Minute) || step(other, fanout.JoinReserve, time.Minute) {
		t.Fatal("reserve should go to the first join task only")
	}
	if step(other, fanout.JoinStart, time.Minute) {
		t.Error("another task must not start a reserved join")
	}
	if !step(owner, fanout.JoinStart, time.Minute) {
		t.Fatal("the reserving task should start its join")
	}
	if step(owner, fanout.JoinStart, time.Minute) {
		t.Error("a second delivery of the running task must not start again")
	}
	if !step(owner, fanout.JoinRenew, time.Minute) || step(other, fanout.JoinRenew, time.Minute) {
		t.Error("only the running owner renews")
	}
	if !step(owner, fanout.JoinRenew, 0) {
		t.Fatal("renewing with a zero lease should expire it")
	}
	if !step(other, fanout.JoinStart, time.Minute) {
		t.Error("an expired lease should pass to the next join task")
	}
	if !step(other, fanout.JoinGiveUp, 0) || !step(owner, fanout.JoinReserve, time.Minute) {
		t.Error("a given-up lease should be free")
	}

	if err := s.CreateBarrier(ctx, runID, 1); !errors.Is(err, datenschleuder.ErrBarrierAlreadyExists) {
		t.Errorf("expected ErrBarrierAlreadyExists, got %v", err)
	}
	_ = s.DeleteBarrier(ctx, runID)
	if _, _, err := s.RecordBatch(ctx, runID, fanout.BatchResult{}); !errors.Is(err, datenschleuder.ErrBarrierNotFound) {
		t.Errorf("expected ErrBarrierNotFound, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Progress tests
// ──────────────────────────────────────────────────

func TestProgress_IncrAndExpire(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	runID := id.NewRunID()
	_ = s.InitProgress(ctx, runID, 10, time.Hour)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.IncrProgress(ctx, runID, 1)
		}()
	}
	wg.Wait()

	p, _ := s.GetProgress(ctx, runID)
	if p.Done != 10 || p.Total != 10 || p.Percent() != 100 {
		t.Errorf("progress = %+v", p)
	}

	now = now.Add(2 * time.Hour)
	p, _ = s.GetProgress(ctx, runID)
	if p.Done != 0 || p.Total != 0 {
		t.Errorf("expired progress = %+v, want zero", p)
	}
}

// ──────────────────────────────────────────────────
// Cluster tests
// ──────────────────────────────────────────────────

func TestCluster_Leadership(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	a, b := id.NewWorkerID(), id.NewWorkerID()
	_ = s.RegisterWorker(ctx, &cluster.Worker{ID: a, State: cluster.WorkerActive, CreatedAt: now})
	_ = s.RegisterWorker(ctx, &cluster.Worker{ID: b, State: cluster.WorkerActive, CreatedAt: now.Add(time.Second)})

	if ok, _ := s.AcquireLeadership(ctx, a, time.Minute); !ok {
		t.Fatal("a should acquire a free lease")
	}
	if ok, _ := s.AcquireLeadership(ctx, b, time.Minute); ok {
		t.Fatal("b must not steal a live lease")
	}
	if ok, _ := s.RenewLeadership(ctx, b, time.Minute); ok {
		t.Fatal("b must not renew a lease it does not hold")
	}

	workers, _ := s.ListWorkers(ctx)
	if !workers[0].IsLeader || workers[1].IsLeader {
		t.Errorf("leader flags wrong: %v %v", workers[0].IsLeader, workers[1].IsLeader)
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := s.AcquireLeadership(ctx, b, time.Minute); !ok {
		t.Fatal("b should take an expired lease")
	}
	leader, _ := s.GetLeader(ctx)
	if leader.String() != b.String() {
		t.Errorf("leader = %s, want %s", leader, b)
	}

	if err := s.HeartbeatWorker(ctx, a, 3); err != nil {
		t.Fatalf("HeartbeatWorker: %v", err)
	}
	if err := s.DeregisterWorker(ctx, b); err != nil {
		t.Fatalf("DeregisterWorker: %v", err)
	}
	if leader, _ := s.GetLeader(ctx); !leader.IsNil() {
		t.Errorf("deregistering the leader should free the lease")
	}
}
