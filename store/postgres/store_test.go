//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/cluster"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
	"github.com/nerdfunk-net/datenschleuder-sub000/schedule"
	"github.com/nerdfunk-net/datenschleuder-sub000/store"
	pgstore "github.com/nerdfunk-net/datenschleuder-sub000/store/postgres"
	"github.com/nerdfunk-net/datenschleuder-sub000/template"
)

var _ store.Store = (*pgstore.Store)(nil)

// setupTestStore creates a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *pgstore.Store {
	t.Helper()
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("datenschleuder_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	s, err := pgstore.New(ctx, connStr, pgstore.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// A second pass must be a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	return s
}

// ──────────────────────────────────────────────────
// Run Store tests
// ──────────────────────────────────────────────────

func TestRun_CreateUpdateAndHandles(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := run.New("nightly backup", "backup", run.TriggerSchedule)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, r); !errors.Is(err, datenschleuder.ErrRunAlreadyExists) {
		t.Fatalf("expected ErrRunAlreadyExists, got %v", err)
	}

	next := r.Clone()
	next.Status = run.StatusRunning
	next.TaskHandle = id.NewTaskID()
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

	// Two writers that both keep the status: the second one must lose.
	first, second := next.Clone(), next.Clone()
	first.SubtaskHandles = []id.TaskID{id.NewTaskID()}
	first.Revision = 2
	second.SubtaskHandles = []id.TaskID{id.NewTaskID()}
	second.Revision = 2
	if err := s.UpdateRunIf(ctx, first, 1); err != nil {
		t.Fatalf("UpdateRunIf first: %v", err)
	}
	if err := s.UpdateRunIf(ctx, second, 1); !errors.Is(err, datenschleuder.ErrRunChanged) {
		t.Fatalf("expected ErrRunChanged for same-status writer, got %v", err)
	}

	got, err := s.GetRunByTaskHandle(ctx, next.TaskHandle)
	if err != nil {
		t.Fatalf("GetRunByTaskHandle: %v", err)
	}
	if got.Status != run.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.Revision != 2 {
		t.Errorf("Revision = %d, want 2", got.Revision)
	}

	open, _ := s.ListNonTerminal(ctx)
	if len(open) != 1 {
		t.Errorf("expected 1 open run, got %d", len(open))
	}

	if err := s.UpdateRunIf(ctx, r.Clone(), 0); !errors.Is(err, datenschleuder.ErrRunChanged) {
		t.Errorf("expected ErrRunChanged on stale revision, got %v", err)
	}
	if err := s.UpdateRunIf(ctx, run.New("x", "backup", run.TriggerManual), 0); !errors.Is(err, datenschleuder.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRun_ListAndCleanup(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-72 * time.Hour)

	var ids []id.RunID
	for i := range 4 {
		r := run.New("job", "backup", run.TriggerManual)
		r.QueuedAt = base.Add(time.Duration(i) * time.Minute)
		if i > 0 {
			r.Status = run.StatusCompleted
			done := base.Add(time.Duration(i) * 24 * time.Hour)
			r.CompletedAt = &done
		}
		_ = s.CreateRun(ctx, r)
		ids = append(ids, r.ID)
	}

	all, _ := s.ListRuns(ctx, run.Filter{}, run.Page{Limit: 2})
	if len(all) != 2 || all[0].ID.String() != ids[3].String() {
		t.Fatalf("expected newest first page of 2, got %d", len(all))
	}

	if err := s.DeleteRun(ctx, ids[0]); !errors.Is(err, datenschleuder.ErrRunNotTerminal) {
		t.Fatalf("expected ErrRunNotTerminal, got %v", err)
	}

	n, err := s.PruneRuns(ctx, base.Add(36*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneRuns = %d, %v; want 1", n, err)
	}
	n, _ = s.ClearRuns(ctx, run.Filter{Status: run.StatusCompleted})
	if n != 2 {
		t.Errorf("ClearRuns removed %d, want 2", n)
	}

	left, _ := s.ListRuns(ctx, run.Filter{}, run.Page{})
	if len(left) != 1 || left[0].ID.String() != ids[0].String() {
		t.Errorf("only the pending run should remain")
	}
}

// ──────────────────────────────────────────────────
// Template / Schedule Store tests
// ──────────────────────────────────────────────────

func TestTemplate_CRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tpl := template.New("core backups", "backup")
	if err := s.CreateTemplate(ctx, tpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if err := s.CreateTemplate(ctx, tpl); !errors.Is(err, datenschleuder.ErrTemplateAlreadyExists) {
		t.Fatalf("expected ErrTemplateAlreadyExists, got %v", err)
	}
	tpl.ParallelTasks = 4
	if err := s.UpdateTemplate(ctx, tpl); err != nil {
		t.Fatalf("UpdateTemplate: %v", err)
	}
	list, _ := s.ListTemplates(ctx)
	if len(list) != 1 || list[0].ParallelTasks != 4 {
		t.Fatalf("unexpected templates: %+v", list)
	}
	if err := s.DeleteTemplate(ctx, tpl.ID); err != nil {
		t.Fatalf("DeleteTemplate: %v", err)
	}
	if err := s.DeleteTemplate(ctx, tpl.ID); !errors.Is(err, datenschleuder.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestSchedule_DueAndAdvance(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

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
	next := now.Add(time.Hour)
	ok, err := s.AdvanceNextRun(ctx, sch.ID, prior, next, now)
	if err != nil || !ok {
		t.Fatalf("first advance: ok=%v err=%v", ok, err)
	}
	ok, _ = s.AdvanceNextRun(ctx, sch.ID, prior, next.Add(time.Hour), now)
	if ok {
		t.Fatal("second advance from the same prior must lose")
	}

	due, _ = s.ListDueSchedules(ctx, now)
	if len(due) != 0 {
		t.Errorf("advanced schedule should no longer be due")
	}
}

// ──────────────────────────────────────────────────
// Fan-out / Progress tests
// ──────────────────────────────────────────────────

func TestBarrier_ConcurrentRecordCountsEachIndexOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	runID := id.NewRunID()
	if err := s.CreateBarrier(ctx, runID, 4); err != nil {
		t.Fatalf("CreateBarrier: %v", err)
	}

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
				remaining, dup, err := s.RecordBatch(ctx, runID, fanout.BatchResult{Index: i, Targets: []string{"sw1"}})
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
	if total != 4 || len(results) != 4 || results[3].Index != 3 {
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

	if err := s.DeleteBarrier(ctx, runID); err != nil {
		t.Fatalf("DeleteBarrier: %v", err)
	}
	if _, _, err := s.RecordBatch(ctx, runID, fanout.BatchResult{}); !errors.Is(err, datenschleuder.ErrBarrierNotFound) {
		t.Errorf("expected ErrBarrierNotFound, got %v", err)
	}
}

func TestProgress_Incr(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	runID := id.NewRunID()

	_ = s.InitProgress(ctx, runID, 10, time.Hour)
	for range 4 {
		_, _ = s.IncrProgress(ctx, runID, 1)
	}
	p, err := s.GetProgress(ctx, runID)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if p.Done != 4 || p.Total != 10 {
		t.Errorf("progress = %+v", p)
	}

	_ = s.DeleteProgress(ctx, runID)
	if p, _ := s.GetProgress(ctx, runID); p.Done != 0 || p.Total != 0 {
		t.Errorf("deleted progress = %+v, want zero", p)
	}
}

// ──────────────────────────────────────────────────
// Cluster tests
// ──────────────────────────────────────────────────

func TestCluster_Leadership(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a, b := id.NewWorkerID(), id.NewWorkerID()
	_ = s.RegisterWorker(ctx, &cluster.Worker{ID: a, Queues: []string{"backup", "default"}, State: cluster.WorkerActive, CreatedAt: now})
	_ = s.RegisterWorker(ctx, &cluster.Worker{ID: b, State: cluster.WorkerActive, CreatedAt: now.Add(time.Second)})

	if ok, _ := s.AcquireLeadership(ctx, a, 300*time.Millisecond); !ok {
		t.Fatal("a should acquire a free lease")
	}
	if ok, _ := s.AcquireLeadership(ctx, b, time.Minute); ok {
		t.Fatal("b must not steal a live lease")
	}
	if ok, _ := s.RenewLeadership(ctx, b, time.Minute); ok {
		t.Fatal("b must not renew a lease it does not hold")
	}

	workers, _ := s.ListWorkers(ctx)
	if len(workers) != 2 || !workers[0].IsLeader || workers[1].IsLeader {
		t.Fatalf("leader flags wrong: %+v", workers)
	}
	if len(workers[0].Queues) != 2 {
		t.Errorf("Queues = %v", workers[0].Queues)
	}

	time.Sleep(500 * time.Millisecond)
	if ok, _ := s.AcquireLeadership(ctx, b, time.Minute); !ok {
		t.Fatal("b should take an expired lease")
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
	if err := s.HeartbeatWorker(ctx, b, 0); !errors.Is(err, datenschleuder.ErrWorkerNotFound) {
		t.Errorf("expected ErrWorkerNotFound, got %v", err)
	}
}
