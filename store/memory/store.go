// Package memory is an in-process implementation of store.Store. It is safe
// for concurrent use and intended for tests and single-process development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/cluster"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
	"github.com/nerdfunk-net/datenschleuder-sub000/progress"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
	"github.com/nerdfunk-net/datenschleuder-sub000/schedule"
	"github.com/nerdfunk-net/datenschleuder-sub000/template"
)

// Ensure Store implements every subsystem store at compile time.
// store.Store cannot be imported here without a cycle in tests.
var (
	_ run.Store      = (*Store)(nil)
	_ template.Store = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
	_ fanout.Store   = (*Store)(nil)
	_ progress.Store = (*Store)(nil)
	_ cluster.Store  = (*Store)(nil)
)

// Store keeps everything in maps behind one mutex.
type Store struct {
	mu sync.RWMutex

	runs      map[string]*run.Run
	templates map[string]*template.Template
	schedules map[string]*schedule.Schedule
	barriers  map[string]*barrier
	progress  map[string]*counter
	workers   map[string]*cluster.Worker

	leader      string
	leaderUntil time.Time

	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		runs:      make(map[string]*run.Run),
		templates: make(map[string]*template.Template),
		schedules: make(map[string]*schedule.Schedule),
		barriers:  make(map[string]*barrier),
		progress:  make(map[string]*counter),
		workers:   make(map[string]*cluster.Worker),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store's clock. Used by tests that exercise TTLs.
func (m *Store) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }
