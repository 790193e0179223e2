// Package worker runs the worker side of the transport: a pool of
// goroutines that reserve tasks from the broker, pass them through the
// middleware chain to a Handler and acknowledge them.
//
// Queues are polled in the configured order, so earlier queues take
// precedence. Each reservation first takes a lease from the queue
// manager; a queue at its concurrency cap or out of rate tokens is skipped
// for that poll.
//
// A heartbeat loop refreshes the worker's cluster registration and asks
// the broker whether any in-flight task was revoked. Revoked tasks have
// their context cancelled; executors observe it through ctx.Done.
package worker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/cluster"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/middleware"
	"github.com/nerdfunk-net/datenschleuder-sub000/queue"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// Handler executes one reserved task. The returned error is logged by the
// middleware; the task is acknowledged either way.
type Handler func(ctx context.Context, t *transport.Task) error

// Pool manages a set of concurrent worker goroutines that reserve tasks
// and execute them through the Handler.
type Pool struct {
	broker       transport.Broker
	handler      Handler
	cluster      cluster.Store
	manager      *queue.Manager
	mw           middleware.Middleware
	concurrency  int
	queues       []string
	jobTypes     []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	heartbeatInterval time.Duration

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	activeTasks map[string]context.CancelFunc
	activeMu    sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will poll, in priority order.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how long an idle worker waits before polling again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval sets how often the pool heartbeats and checks for
// revoked tasks. A zero value disables both.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithQueueManager sets the per-queue concurrency and rate limiter.
func WithQueueManager(m *queue.Manager) PoolOption {
	return func(p *Pool) { p.manager = m }
}

// WithClusterStore registers the pool as a worker in the cluster registry.
func WithClusterStore(s cluster.Store) PoolOption {
	return func(p *Pool) { p.cluster = s }
}

// WithMiddleware sets the chain wrapped around every Handler call.
func WithMiddleware(mws ...middleware.Middleware) PoolOption {
	return func(p *Pool) { p.mw = middleware.Chain(mws...) }
}

// WithJobTypes lists the job types this process can execute. It is only
// reported in the cluster registry.
func WithJobTypes(types []string) PoolOption {
	return func(p *Pool) { p.jobTypes = types }
}

// WithWorkerID overrides the generated worker ID.
func WithWorkerID(wid id.WorkerID) PoolOption {
	return func(p *Pool) { p.workerID = wid }
}

// NewPool creates a worker pool.
func NewPool(broker transport.Broker, handler Handler, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		broker:       broker,
		handler:      handler,
		manager:      queue.NewManager(),
		mw:           middleware.Chain(),
		concurrency:  10,
		queues:       []string{queue.Default},
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeTasks:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Active returns the number of tasks currently executing.
func (p *Pool) Active() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeTasks)
}

// Start registers the worker and launches the worker goroutines. It
// returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	if p.cluster != nil {
		p.register(ctx)
	}

	for range p.concurrency {
		p.wg.Add(1)
		go p.reserveLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active tasks are cancelled when time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancelActiveTasks()
		p.wg.Wait()
	}

	if p.cluster != nil {
		if err := p.cluster.DeregisterWorker(context.WithoutCancel(ctx), p.workerID); err != nil {
			p.logger.Warn("failed to deregister worker", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (p *Pool) register(ctx context.Context) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	now := time.Now().UTC()
	w := &cluster.Worker{
		ID:          p.workerID,
		Hostname:    hostname,
		Queues:      p.queues,
		JobTypes:    p.jobTypes,
		Concurrency: p.concurrency,
		State:       cluster.WorkerActive,
		LastSeen:    now,
		CreatedAt:   now,
	}
	if err := p.cluster.RegisterWorker(ctx, w); err != nil {
		p.logger.Warn("failed to register worker in cluster store", slog.String("error", err.Error()))
	}
}

// reserveLoop is run by each worker goroutine.
func (p *Pool) reserveLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if !p.pollOnce() {
			p.sleep()
		}
	}
}

// pollOnce walks the queues in order and executes the first task it can
// reserve. It reports whether a task ran.
func (p *Pool) pollOnce() bool {
	for _, q := range p.queues {
		lease, ok := p.manager.Acquire(q)
		if !ok {
			continue
		}

		t, err := p.broker.Reserve(context.Background(), []string{q}, p.workerID)
		if err != nil {
			lease.Release()
			p.logger.Error("reserve error",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			return false
		}
		if t == nil {
			lease.Release()
			continue
		}

		lease.Commit()
		p.execute(t)
		lease.Release()
		return true
	}
	return false
}

func (p *Pool) execute(t *transport.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	p.trackTask(t.ID.String(), cancel)

	err := p.mw(ctx, t, func(ctx context.Context) error {
		return p.handler(ctx, t)
	})
	if err != nil {
		p.logger.Debug("task execution failed",
			slog.String("task_id", t.ID.String()),
			slog.String("run_id", t.RunID.String()),
			slog.String("error", err.Error()),
		)
	}

	p.untrackTask(t.ID.String())
	cancel()

	if ackErr := p.broker.Ack(context.Background(), t.ID); ackErr != nil {
		p.logger.Warn("ack failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", ackErr.Error()),
		)
	}
}

// heartbeatLoop periodically refreshes the cluster registration and checks
// active tasks for revocation.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.heartbeat(context.Background())
			p.checkRevoked(context.Background())
		}
	}
}

func (p *Pool) heartbeat(ctx context.Context) {
	if p.cluster == nil {
		return
	}
	if err := p.cluster.HeartbeatWorker(ctx, p.workerID, p.Active()); err != nil {
		p.logger.Warn("heartbeat failed",
			slog.String("worker_id", p.workerID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// checkRevoked cancels the context of every in-flight task the broker
// reports as revoked.
func (p *Pool) checkRevoked(ctx context.Context) {
	p.activeMu.Lock()
	taskIDs := make([]string, 0, len(p.activeTasks))
	for tid := range p.activeTasks {
		taskIDs = append(taskIDs, tid)
	}
	p.activeMu.Unlock()

	for _, tidStr := range taskIDs {
		tid, err := id.ParseTaskID(tidStr)
		if err != nil {
			p.logger.Warn("revocation check: invalid task id", slog.String("task_id", tidStr))
			continue
		}
		revoked, err := p.broker.IsRevoked(ctx, tid)
		if err != nil {
			p.logger.Warn("revocation check failed",
				slog.String("task_id", tidStr),
				slog.String("error", err.Error()),
			)
			continue
		}
		if revoked {
			p.logger.Info("task revoked, cancelling", slog.String("task_id", tidStr))
			p.cancelTask(tidStr)
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackTask(taskID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeTasks[taskID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackTask(taskID string) {
	p.activeMu.Lock()
	delete(p.activeTasks, taskID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelTask(taskID string) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if cancel, ok := p.activeTasks[taskID]; ok {
		cancel()
	}
}

func (p *Pool) cancelActiveTasks() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for taskID, cancel := range p.activeTasks {
		p.logger.Warn("cancelling active task", slog.String("task_id", taskID))
		cancel()
	}
}
