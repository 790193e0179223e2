package memory

import (
	"context"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/progress"
)

type counter struct {
	done, total int
	expires     time.Time
}

func (c *counter) expired(now time.Time) bool {
	return !c.expires.IsZero() && !now.Before(c.expires)
}

// InitProgress creates or resets a counter.
func (m *Store) InitProgress(_ context.Context, runID id.RunID, total int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &counter{total: total}
	if ttl > 0 {
		c.expires = m.now().Add(ttl)
	}
	m.progress[runID.String()] = c
	return nil
}

// IncrProgress adds delta to the done count. A missing or expired counter
// restarts from zero without a total, like INCRBY on an absent key.
func (m *Store) IncrProgress(_ context.Context, runID id.RunID, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := runID.String()
	c, ok := m.progress[key]
	if !ok || c.expired(m.now()) {
		c = &counter{}
		m.progress[key] = c
	}
	c.done += delta
	return c.done, nil
}

// GetProgress returns the counter, zero when absent or expired.
func (m *Store) GetProgress(_ context.Context, runID id.RunID) (progress.Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.progress[runID.String()]
	if !ok || c.expired(m.now()) {
		return progress.Progress{}, nil
	}
	return progress.Progress{Done: c.done, Total: c.total}, nil
}

// DeleteProgress drops the counter.
func (m *Store) DeleteProgress(_ context.Context, runID id.RunID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.progress, runID.String())
	return nil
}
