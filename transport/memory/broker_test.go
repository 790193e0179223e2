package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport/memory"
)

func TestBroker_FIFOAcrossQueues(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	w := id.NewWorkerID()

	first := transport.NewTask("backup", transport.KindExecute, id.NewRunID(), "backup")
	second := transport.NewTask("backup", transport.KindExecute, id.NewRunID(), "backup")
	other := transport.NewTask("default", transport.KindExecute, id.NewRunID(), "sync_inventory")
	for _, tk := range []*transport.Task{first, second, other} {
		if err := b.Enqueue(ctx, tk); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	got, err := b.Reserve(ctx, []string{"default", "backup"}, w)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got.ID.String() != other.ID.String() {
		t.Fatalf("expected default queue first, got %s", got.Queue)
	}
	got, _ = b.Reserve(ctx, []string{"default", "backup"}, w)
	if got.ID.String() != first.ID.String() {
		t.Errorf("expected FIFO order within backup queue")
	}
	if got.WorkerID.String() != w.String() {
		t.Errorf("WorkerID = %s, want %s", got.WorkerID, w)
	}

	active, _ := b.ActiveTasks(ctx)
	if len(active) != 2 {
		t.Fatalf("expected 2 active tasks, got %d", len(active))
	}
	if err := b.Ack(ctx, got.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	active, _ = b.ActiveTasks(ctx)
	if len(active) != 1 {
		t.Errorf("expected 1 active task after ack, got %d", len(active))
	}
}

func TestBroker_ReserveEmpty(t *testing.T) {
	got, err := memory.New().Reserve(context.Background(), []string{"default"}, id.NewWorkerID())
	if err != nil || got != nil {
		t.Fatalf("Reserve on empty = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestBroker_RevokeQueuedAndActive(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	queued := transport.NewTask("network", transport.KindExecute, id.NewRunID(), "run_commands")
	running := transport.NewTask("network", transport.KindExecute, id.NewRunID(), "run_commands")
	_ = b.Enqueue(ctx, running)
	_ = b.Enqueue(ctx, queued)
	if _, err := b.Reserve(ctx, []string{"network"}, id.NewWorkerID()); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := b.Revoke(ctx, queued.ID); err != nil {
		t.Fatalf("Revoke queued: %v", err)
	}
	if err := b.Revoke(ctx, running.ID); err != nil {
		t.Fatalf("Revoke active: %v", err)
	}

	stats, _ := b.Stats(ctx, []string{"network"})
	if stats[0].Pending != 0 {
		t.Errorf("Pending = %d, want 0 after revoking queued task", stats[0].Pending)
	}
	if stats[0].Active != 1 {
		t.Errorf("Active = %d, want 1 (revoke never removes active tasks)", stats[0].Active)
	}
	if ok, _ := b.IsRevoked(ctx, running.ID); !ok {
		t.Error("expected active task to be flagged revoked")
	}
}

func TestBroker_RevocationsExpire(t *testing.T) {
	ctx := context.Background()
	b := memory.New(memory.WithRevokeTTL(20 * time.Millisecond))

	old := id.NewTaskID()
	_ = b.Revoke(ctx, old)
	if ok, _ := b.IsRevoked(ctx, old); !ok {
		t.Fatal("fresh revocation not recorded")
	}

	time.Sleep(40 * time.Millisecond)
	fresh := id.NewTaskID()
	_ = b.Revoke(ctx, fresh)
	if ok, _ := b.IsRevoked(ctx, old); ok {
		t.Error("revocation past its TTL should be dropped")
	}
	if ok, _ := b.IsRevoked(ctx, fresh); !ok {
		t.Error("new revocation lost while pruning")
	}
}

func TestBroker_PurgeLeavesActive(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	for range 3 {
		_ = b.Enqueue(ctx, transport.NewTask("heavy", transport.KindExecute, id.NewRunID(), "deploy_agent"))
	}
	if _, err := b.Reserve(ctx, []string{"heavy"}, id.NewWorkerID()); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	n, err := b.Purge(ctx, "heavy")
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	stats, _ := b.Stats(ctx, []string{"heavy"})
	if stats[0].Pending != 0 || stats[0].Active != 1 {
		t.Errorf("stats = %+v, want pending 0 active 1", stats[0])
	}
}
