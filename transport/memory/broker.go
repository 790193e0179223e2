// Package memory provides an in-process transport.Broker for tests and
// single-binary deployments. Tasks live in FIFO slices per queue.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// Compile-time interface check.
var _ transport.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithRevokeTTL sets how long revocation markers are kept.
func WithRevokeTTL(d time.Duration) Option {
	return func(b *Broker) { b.revokeTTL = d }
}

// Broker is a mutex-guarded in-memory broker.
type Broker struct {
	mu        sync.Mutex
	queues    map[string][]*transport.Task
	active    map[string]*transport.Task
	revoked   map[string]time.Time
	revokeTTL time.Duration
}

// New returns an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		queues:    make(map[string][]*transport.Task),
		active:    make(map[string]*transport.Task),
		revoked:   make(map[string]time.Time),
		revokeTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue appends a copy of t to its queue.
func (b *Broker) Enqueue(_ context.Context, t *transport.Task) error {
	if t.ID.IsNil() {
		t.ID = id.NewTaskID()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[t.Queue] = append(b.queues[t.Queue], t.Clone())
	return nil
}

// Reserve pops the head of the first non-empty queue.
func (b *Broker) Reserve(_ context.Context, queues []string, workerID id.WorkerID) (*transport.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range queues {
		for len(b.queues[q]) > 0 {
			t := b.queues[q][0]
			b.queues[q] = b.queues[q][1:]
			if _, gone := b.revoked[t.ID.String()]; gone {
				continue
			}
			t.WorkerID = workerID
			t.ReservedAt = time.Now().UTC()
			b.active[t.ID.String()] = t
			return t.Clone(), nil
		}
	}
	return nil, nil
}

// Ack drops the task from the active set.
func (b *Broker) Ack(_ context.Context, taskID id.TaskID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, taskID.String())
	return nil
}

// Revoke removes a queued task or flags an active one.
func (b *Broker) Revoke(_ context.Context, taskID id.TaskID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	for k, at := range b.revoked {
		if now.Sub(at) >= b.revokeTTL {
			delete(b.revoked, k)
		}
	}
	key := taskID.String()
	b.revoked[key] = now
	for q, tasks := range b.queues {
		for i, t := range tasks {
			if t.ID.String() == key {
				b.queues[q] = append(tasks[:i:i], tasks[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

// IsRevoked reports whether Revoke was called for the task.
func (b *Broker) IsRevoked(_ context.Context, taskID id.TaskID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.revoked[taskID.String()]
	if ok && time.Since(at) >= b.revokeTTL {
		delete(b.revoked, taskID.String())
		return false, nil
	}
	return ok, nil
}

// ActiveTasks returns copies of all reserved tasks, oldest first.
func (b *Broker) ActiveTasks(_ context.Context) ([]*transport.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*transport.Task, 0, len(b.active))
	for _, t := range b.active {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out, nil
}

// Stats reports per-queue depth and active counts.
func (b *Broker) Stats(_ context.Context, queues []string) ([]transport.QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	active := make(map[string]int64)
	for _, t := range b.active {
		active[t.Queue]++
	}
	out := make([]transport.QueueStats, 0, len(queues))
	for _, q := range queues {
		out = append(out, transport.QueueStats{
			Queue:   q,
			Pending: int64(len(b.queues[q])),
			Active:  active[q],
		})
	}
	return out, nil
}

// Purge empties one queue.
func (b *Broker) Purge(_ context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := int64(len(b.queues[queue]))
	delete(b.queues, queue)
	return n, nil
}

// Close is a no-op.
func (b *Broker) Close() error { return nil }
