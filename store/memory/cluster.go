package memory

import (
	"context"
	"sort"
	"time"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/cluster"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// RegisterWorker adds or replaces a worker.
func (m *Store) RegisterWorker(_ context.Context, w *cluster.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	cp.Queues = append([]string(nil), w.Queues...)
	cp.JobTypes = append([]string(nil), w.JobTypes...)
	m.workers[w.ID.String()] = &cp
	return nil
}

// DeregisterWorker removes a worker and gives up its leader lease.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	if _, ok := m.workers[key]; !ok {
		return datenschleuder.ErrWorkerNotFound
	}
	delete(m.workers, key)
	if m.leader == key {
		m.leader = ""
	}
	return nil
}

// HeartbeatWorker refreshes LastSeen and the in-flight count.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID, active int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return datenschleuder.ErrWorkerNotFound
	}
	w.LastSeen = m.now()
	w.Active = active
	return nil
}

// ListWorkers returns all workers ordered by registration time.
func (m *Store) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]*cluster.Worker, 0, len(m.workers))
	for key, w := range m.workers {
		cp := *w
		cp.IsLeader = key == m.leader && m.leaderUntil.After(now)
		if cp.IsLeader {
			until := m.leaderUntil
			cp.LeaderUntil = &until
		} else {
			cp.LeaderUntil = nil
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// AcquireLeadership takes the lease when free, expired or already ours.
func (m *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := workerID.String()
	if m.leader != "" && m.leader != key && m.leaderUntil.After(now) {
		return false, nil
	}
	m.leader = key
	m.leaderUntil = now.Add(ttl)
	return true, nil
}

// RenewLeadership extends the lease if workerID still holds it.
func (m *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.leader != workerID.String() || !m.leaderUntil.After(now) {
		return false, nil
	}
	m.leaderUntil = now.Add(ttl)
	return true, nil
}

// GetLeader returns the lease holder or a nil ID.
func (m *Store) GetLeader(_ context.Context) (id.WorkerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == "" || !m.leaderUntil.After(m.now()) {
		return id.Nil, nil
	}
	return id.ParseWorkerID(m.leader)
}
