package memory

import (
	"context"
	"sort"
	"time"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
)

// CreateRun persists a new run.
func (m *Store) CreateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, exists := m.runs[key]; exists {
		return datenschleuder.ErrRunAlreadyExists
	}
	m.runs[key] = r.Clone()
	return nil
}

// GetRun retrieves a run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, datenschleuder.ErrRunNotFound
	}
	return r.Clone(), nil
}

// GetRunByTaskHandle scans for the run owning handle.
func (m *Store) GetRunByTaskHandle(_ context.Context, handle id.TaskID) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := handle.String()
	for _, r := range m.runs {
		for _, h := range r.Handles() {
			if h.String() == want {
				return r.Clone(), nil
			}
		}
	}
	return nil, datenschleuder.ErrRunNotFound
}

// UpdateRunIf replaces the run when its stored revision equals revision.
func (m *Store) UpdateRunIf(_ context.Context, r *run.Run, revision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.runs[r.ID.String()]
	if !ok {
		return datenschleuder.ErrRunNotFound
	}
	if cur.Revision != revision {
		return datenschleuder.ErrRunChanged
	}
	m.runs[r.ID.String()] = r.Clone()
	return nil
}

// ListRuns returns matching runs, newest first.
func (m *Store) ListRuns(_ context.Context, f run.Filter, p run.Page) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*run.Run
	for _, r := range m.runs {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].QueuedAt.After(out[j].QueuedAt)
	})

	if p.Offset > 0 {
		if p.Offset >= len(out) {
			return []*run.Run{}, nil
		}
		out = out[p.Offset:]
	}
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// ListNonTerminal returns every pending or running run, oldest first.
func (m *Store) ListNonTerminal(_ context.Context) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*run.Run
	for _, r := range m.runs {
		if !r.Status.Terminal() {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out, nil
}

// DeleteRun removes a terminal run.
func (m *Store) DeleteRun(_ context.Context, runID id.RunID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return datenschleuder.ErrRunNotFound
	}
	if !r.Status.Terminal() {
		return datenschleuder.ErrRunNotTerminal
	}
	delete(m.runs, runID.String())
	return nil
}

// ClearRuns deletes the terminal runs matching f.
func (m *Store) ClearRuns(_ context.Context, f run.Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, r := range m.runs {
		if r.Status.Terminal() && f.Match(r) {
			delete(m.runs, key)
			n++
		}
	}
	return n, nil
}

// PruneRuns deletes terminal runs completed before the cutoff.
func (m *Store) PruneRuns(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, r := range m.runs {
		if r.Status.Terminal() && r.CompletedAt != nil && r.CompletedAt.Before(before) {
			delete(m.runs, key)
			n++
		}
	}
	return n, nil
}
