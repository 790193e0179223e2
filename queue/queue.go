package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines per-queue concurrency and rate limits.
type Config struct {
	// Name is the queue identifier.
	Name string `json:"name" mapstructure:"name"`

	// Concurrency caps how many tasks of this queue one worker process
	// runs at once. Zero means no queue-specific cap.
	Concurrency int `json:"concurrency" mapstructure:"concurrency"`

	// RateLimit is the sustained number of reservations per second.
	// Zero disables rate limiting.
	RateLimit float64 `json:"rate_limit" mapstructure:"rate_limit"`

	// RateBurst is the token-bucket burst size. Defaults to 1 when
	// RateLimit is set.
	RateBurst int `json:"rate_burst" mapstructure:"rate_burst"`
}

// queueState tracks runtime state for a single queue.
type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager enforces per-queue concurrency and rate limits.
// It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager creates a Manager with the given queue configurations.
// Queues not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{queues: make(map[string]*queueState, len(configs))}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Lease is a granted concurrency slot on one queue.
type Lease struct {
	m     *Manager
	queue string
	once  sync.Once
}

// Commit spends a rate token once a task was actually reserved with the
// lease. Concurrent leases may overrun the bucket by a task each.
func (l *Lease) Commit() {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if qs := l.m.queues[l.queue]; qs != nil && qs.limiter != nil {
		qs.limiter.Allow()
	}
}

// Release frees the concurrency slot.
func (l *Lease) Release() {
	l.once.Do(func() { l.m.release(l.queue) })
}

// Acquire takes a concurrency slot on queue when one is free and the rate
// bucket holds a token. The token is only spent by Commit, so polling an
// empty queue costs nothing.
func (m *Manager) Acquire(queue string) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease := &Lease{m: m, queue: queue}
	qs := m.queues[queue]
	if qs == nil {
		return lease, true
	}
	if qs.config.Concurrency > 0 && qs.active >= qs.config.Concurrency {
		return nil, false
	}
	if qs.limiter != nil && qs.limiter.TokensAt(time.Now()) < 1 {
		return nil, false
	}
	qs.active++
	return lease, true
}

func (m *Manager) release(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
}

// SetQueueConfig dynamically updates (or creates) a queue configuration.
func (m *Manager) SetQueueConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := newQueueState(cfg)
	if existing := m.queues[cfg.Name]; existing != nil {
		qs.active = existing.active
	}
	m.queues[cfg.Name] = qs
}

// ActiveCount returns the number of leased slots for a queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
