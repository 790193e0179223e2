package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

type barrier struct {
	total       int
	results     map[int]fanout.BatchResult
	joinOwner   id.TaskID
	joinUntil   time.Time
	joinRunning bool
}

// CreateBarrier registers a barrier expecting total batches.
func (m *Store) CreateBarrier(_ context.Context, runID id.RunID, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := runID.String()
	if _, exists := m.barriers[key]; exists {
		return datenschleuder.ErrBarrierAlreadyExists
	}
	m.barriers[key] = &barrier{total: total, results: make(map[int]fanout.BatchResult, total)}
	return nil
}

// RecordBatch stores the first result per batch index.
func (m *Store) RecordBatch(_ context.Context, runID id.RunID, res fanout.BatchResult) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.barriers[runID.String()]
	if !ok {
		return 0, false, datenschleuder.ErrBarrierNotFound
	}
	if _, dup := b.results[res.Index]; dup {
		return b.total - len(b.results), true, nil
	}
	b.results[res.Index] = res
	return b.total - len(b.results), false, nil
}

// BatchRecorded reports whether index has a stored result.
func (m *Store) BatchRecorded(_ context.Context, runID id.RunID, index int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.barriers[runID.String()]
	if !ok {
		return false, datenschleuder.ErrBarrierNotFound
	}
	_, recorded := b.results[index]
	return recorded, nil
}

// BatchResults returns the recorded results ordered by index.
func (m *Store) BatchResults(_ context.Context, runID id.RunID) (int, []fanout.BatchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.barriers[runID.String()]
	if !ok {
		return 0, nil, datenschleuder.ErrBarrierNotFound
	}
	out := make([]fanout.BatchResult, 0, len(b.results))
	for _, r := range b.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return b.total, out, nil
}

// LeaseJoin applies one join lease step.
func (m *Store) LeaseJoin(_ context.Context, runID id.RunID, owner id.TaskID, step fanout.JoinStep, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.barriers[runID.String()]
	if !ok {
		return false, datenschleuder.ErrBarrierNotFound
	}
	now := time.Now()
	free := b.joinOwner.IsNil() || !now.Before(b.joinUntil)
	mine := !b.joinOwner.IsNil() && b.joinOwner.String() == owner.String()

	switch step {
	case fanout.JoinReserve:
		if !free {
			return false, nil
		}
		b.joinRunning = false
	case fanout.JoinStart:
		if !free && (!mine || b.joinRunning) {
			return false, nil
		}
		b.joinRunning = true
	case fanout.JoinRenew:
		if !mine || !b.joinRunning {
			return false, nil
		}
	case fanout.JoinGiveUp:
		if !mine {
			return false, nil
		}
		b.joinOwner, b.joinUntil, b.joinRunning = id.Nil, time.Time{}, false
		return true, nil
	default:
		return false, fmt.Errorf("unknown join step %d", step)
	}
	b.joinOwner = owner
	b.joinUntil = now.Add(lease)
	return true, nil
}

// DeleteBarrier removes the barrier.
func (m *Store) DeleteBarrier(_ context.Context, runID id.RunID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := runID.String()
	if _, ok := m.barriers[key]; !ok {
		return datenschleuder.ErrBarrierNotFound
	}
	delete(m.barriers, key)
	return nil
}
