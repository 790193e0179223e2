package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
)

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestNewManager_UnconfiguredQueueAlwaysAllowed(t *testing.T) {
	m := NewManager(Config{Name: "backup", Concurrency: 1})

	for range 10 {
		lease, ok := m.Acquire("other")
		if !ok {
			t.Fatal("unconfigured queue should always allow Acquire")
		}
		lease.Release()
	}
}

// ---------------------------------------------------------------------------
// Concurrency limits
// ---------------------------------------------------------------------------

func TestManager_Concurrency(t *testing.T) {
	m := NewManager(Config{Name: "backup", Concurrency: 2})

	a, ok := m.Acquire("backup")
	if !ok {
		t.Fatal("first Acquire should succeed")
	}
	if _, ok := m.Acquire("backup"); !ok {
		t.Fatal("second Acquire should succeed")
	}
	if _, ok := m.Acquire("backup"); ok {
		t.Fatal("third Acquire should fail (concurrency 2)")
	}

	a.Release()
	if _, ok := m.Acquire("backup"); !ok {
		t.Fatal("Acquire should succeed after Release")
	}
	if got := m.ActiveCount("backup"); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	m := NewManager(Config{Name: "q", Concurrency: 5})
	lease, _ := m.Acquire("q")
	_, _ = m.Acquire("q")

	lease.Release()
	lease.Release()
	if got := m.ActiveCount("q"); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimitThrottles(t *testing.T) {
	m := NewManager(Config{Name: "network", RateLimit: 0.001, RateBurst: 1})

	lease, ok := m.Acquire("network")
	if !ok {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	lease.Commit()
	lease.Release()

	if _, ok := m.Acquire("network"); ok {
		t.Fatal("second Acquire should fail (rate limited)")
	}
	if got := m.ActiveCount("network"); got != 0 {
		t.Errorf("rejected Acquire must not hold a slot, ActiveCount = %d", got)
	}
}

func TestLease_UncommittedLeaseSpendsNoToken(t *testing.T) {
	m := NewManager(Config{Name: "network", RateLimit: 0.001, RateBurst: 1})

	for i := range 3 {
		lease, ok := m.Acquire("network")
		if !ok {
			t.Fatalf("Acquire %d should succeed while no token was spent", i)
		}
		lease.Release()
	}
}

func TestManager_BurstAllows(t *testing.T) {
	m := NewManager(Config{Name: "bursty", RateLimit: 0.001, RateBurst: 3})

	for i := range 3 {
		lease, ok := m.Acquire("bursty")
		if !ok {
			t.Fatalf("Acquire %d should succeed (within burst)", i)
		}
		lease.Commit()
		lease.Release()
	}
	if _, ok := m.Acquire("bursty"); ok {
		t.Fatal("fourth Acquire should exceed the burst")
	}
}

// ---------------------------------------------------------------------------
// Dynamic reconfiguration
// ---------------------------------------------------------------------------

func TestManager_SetQueueConfig(t *testing.T) {
	m := NewManager(Config{Name: "dyn", Concurrency: 1})

	_, _ = m.Acquire("dyn")
	if _, ok := m.Acquire("dyn"); ok {
		t.Fatal("should be blocked at concurrency 1")
	}

	m.SetQueueConfig(Config{Name: "dyn", Concurrency: 3})
	if _, ok := m.Acquire("dyn"); !ok {
		t.Fatal("should succeed after raising concurrency")
	}
	if got := m.ActiveCount("dyn"); got != 2 {
		t.Errorf("ActiveCount = %d, want 2 (preserved across reconfigure)", got)
	}
}

// ---------------------------------------------------------------------------
// Concurrency safety
// ---------------------------------------------------------------------------

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Config{Name: "concurrent", Concurrency: 50})

	var acquired atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lease, ok := m.Acquire("concurrent"); ok {
				acquired.Add(1)
				lease.Release()
			}
		}()
	}
	wg.Wait()

	if acquired.Load() == 0 {
		t.Fatal("expected some Acquires to succeed")
	}
	if m.ActiveCount("concurrent") != 0 {
		t.Fatalf("expected 0 active after all goroutines, got %d", m.ActiveCount("concurrent"))
	}
}

// ---------------------------------------------------------------------------
// Topology and routing
// ---------------------------------------------------------------------------

func TestDefaultTopology_Valid(t *testing.T) {
	top := DefaultTopology()
	if err := top.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := []string{Default, Backup, Network, Heavy}
	got := top.Names()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTopology_RejectsUnknownRoute(t *testing.T) {
	top := DefaultTopology()
	top.Routes["backup"] = "missing"

	if err := top.Validate(); !errors.Is(err, datenschleuder.ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue, got %v", err)
	}
}

func TestRouter_Route(t *testing.T) {
	r := NewRouter(DefaultTopology())

	tests := []struct {
		jobType, override, want string
	}{
		{"backup", "", Backup},
		{"run_commands", "", Network},
		{"deploy_agent", "", Heavy},
		{"unrouted", "", Default},
		{"backup", Heavy, Heavy},
	}
	for _, tt := range tests {
		if got := r.Route(tt.jobType, tt.override); got != tt.want {
			t.Errorf("Route(%q, %q) = %q, want %q", tt.jobType, tt.override, got, tt.want)
		}
	}
}
