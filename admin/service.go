// Package admin is the operator surface of the engine: queue depths and
// purges, worker introspection, registered job types and schedule repair.
// It only reads or drops queued work; runs are finalized through the
// ledger.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/cluster"
	"github.com/nerdfunk-net/datenschleuder-sub000/engine"
	"github.com/nerdfunk-net/datenschleuder-sub000/executor"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
	"github.com/nerdfunk-net/datenschleuder-sub000/queue"
	"github.com/nerdfunk-net/datenschleuder-sub000/schedule"
	"github.com/nerdfunk-net/datenschleuder-sub000/scheduler"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// Store is the persistence the admin surface reads.
type Store interface {
	cluster.Store
	schedule.Store
}

// JobType describes one registered job type.
type JobType struct {
	Type        string        `json:"type"`
	Description string        `json:"description,omitempty"`
	Queue       string        `json:"queue"`
	FanOut      bool          `json:"fan_out"`
	Policy      fanout.Policy `json:"policy,omitempty"`
	Retries     int           `json:"retries,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// WorkerStatus is a registered worker with its liveness verdict.
type WorkerStatus struct {
	*cluster.Worker
	Alive bool `json:"alive"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now for liveness checks and recompute.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLivenessWindow sets how long a worker may go without a heartbeat
// before it is reported dead. Defaults to three heartbeat intervals.
func WithLivenessWindow(d time.Duration) Option {
	return func(s *Service) { s.window = d }
}

// Service implements the admin operations.
type Service struct {
	broker   transport.Broker
	store    Store
	registry *executor.Registry
	topology queue.Topology
	router   *queue.Router
	logger   *slog.Logger
	now      func() time.Time
	window   time.Duration
}

// NewService creates an admin service.
func NewService(br transport.Broker, st Store, reg *executor.Registry, topology queue.Topology, opts ...Option) *Service {
	s := &Service{
		broker:   br,
		store:    st,
		registry: reg,
		topology: topology,
		router:   queue.NewRouter(topology),
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		window:   3 * datenschleuder.DefaultConfig().HeartbeatInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ForEngine builds a service over the engine's store, broker, registry and
// topology.
func ForEngine(eng *engine.Engine, opts ...Option) *Service {
	window := 3 * eng.Config().HeartbeatInterval
	opts = append([]Option{WithLivenessWindow(window)}, opts...)
	return NewService(eng.Broker(), eng.Store(), eng.Registry(), eng.Topology(), opts...)
}

// QueueStats reports pending and active counts of every configured queue.
func (s *Service) QueueStats(ctx context.Context) ([]transport.QueueStats, error) {
	stats, err := s.broker.Stats(ctx, s.topology.Names())
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// Purge drops the queued tasks of one queue. Tasks already reserved by a
// worker keep running.
func (s *Service) Purge(ctx context.Context, name string) (int64, error) {
	if !s.known(name) {
		return 0, fmt.Errorf("%w: %q", datenschleuder.ErrUnknownQueue, name)
	}
	n, err := s.broker.Purge(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", name, err)
	}
	s.logger.Warn("queue purged",
		slog.String("queue", name),
		slog.Int64("removed", n),
	)
	return n, nil
}

// PurgeAll purges every configured queue and returns the removed count per
// queue.
func (s *Service) PurgeAll(ctx context.Context) (map[string]int64, error) {
	names := s.topology.Names()
	counts := make([]atomic.Int64, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			n, err := s.Purge(gctx, name)
			counts[i].Store(n)
			return err
		})
	}
	err := g.Wait()

	out := make(map[string]int64, len(names))
	for i, name := range names {
		out[name] = counts[i].Load()
	}
	return out, err
}

// Workers lists registered workers, oldest first.
func (s *Service) Workers(ctx context.Context) ([]WorkerStatus, error) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	leader, err := s.store.GetLeader(ctx)
	if err != nil {
		s.logger.Warn("leader lookup failed", slog.String("error", err.Error()))
	}

	now := s.now()
	out := make([]WorkerStatus, len(workers))
	for i, w := range workers {
		if !leader.IsNil() && w.ID.String() == leader.String() {
			w.IsLeader = true
		}
		out[i] = WorkerStatus{Worker: w, Alive: w.Alive(now, s.window)}
	}
	return out, nil
}

// RegisteredJobTypes lists the job types of the registry with their
// resolved queue.
func (s *Service) RegisteredJobTypes() []JobType {
	entries := s.registry.Entries()
	out := make([]JobType, len(entries))
	for i, e := range entries {
		q := s.router.Route(e.Type, "")
		if !s.router.HasRoute(e.Type) && e.Queue != "" && s.known(e.Queue) {
			q = e.Queue
		}
		var policy fanout.Policy
		if e.CanFanOut() {
			policy = e.Policy
		}
		out[i] = JobType{
			Type:        e.Type,
			Description: e.Description,
			Queue:       q,
			FanOut:      e.CanFanOut(),
			Policy:      policy,
			Retries:     e.Retries,
			Timeout:     e.Timeout,
		}
	}
	return out
}

// ActiveTasks lists reserved and executing tasks, grouped by queue in
// topology order.
func (s *Service) ActiveTasks(ctx context.Context) ([]*transport.Task, error) {
	tasks, err := s.broker.ActiveTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("active tasks: %w", err)
	}
	order := make(map[string]int, len(s.topology.Queues))
	for i, q := range s.topology.Queues {
		order[q.Name] = i
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return order[tasks[i].Queue] < order[tasks[j].Queue]
	})
	return tasks, nil
}

// RecomputeNextRuns resets next_run of every active schedule from now.
func (s *Service) RecomputeNextRuns(ctx context.Context) (int, error) {
	return scheduler.RecomputeNextRuns(ctx, s.store, s.now(), s.logger)
}

func (s *Service) known(name string) bool {
	for _, q := range s.topology.Queues {
		if q.Name == name {
			return true
		}
	}
	return false
}
