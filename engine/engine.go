package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/cluster"
	"github.com/nerdfunk-net/datenschleuder-sub000/collab"
	"github.com/nerdfunk-net/datenschleuder-sub000/executor"
	"github.com/nerdfunk-net/datenschleuder-sub000/ext"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
	mw "github.com/nerdfunk-net/datenschleuder-sub000/middleware"
	"github.com/nerdfunk-net/datenschleuder-sub000/observability"
	"github.com/nerdfunk-net/datenschleuder-sub000/queue"
	"github.com/nerdfunk-net/datenschleuder-sub000/reaper"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
	"github.com/nerdfunk-net/datenschleuder-sub000/scheduler"
	"github.com/nerdfunk-net/datenschleuder-sub000/store"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
	"github.com/nerdfunk-net/datenschleuder-sub000/worker"
)

const instrumentationName = "github.com/nerdfunk-net/datenschleuder-sub000"

// Role is a background duty the engine runs after Start.
type Role string

const (
	// RoleWorker reserves and executes tasks.
	RoleWorker Role = "worker"
	// RoleScheduler campaigns for leadership and runs the schedule tick.
	RoleScheduler Role = "scheduler"
	// RoleReaper sweeps stale runs and prunes expired ones.
	RoleReaper Role = "reaper"
)

// AllRoles is the default: a single process doing everything.
var AllRoles = []Role{RoleWorker, RoleScheduler, RoleReaper}

// Engine is the job engine service.
type Engine struct {
	config     datenschleuder.Config
	store      store.Store
	broker     transport.Broker
	registry   *executor.Registry
	extensions *ext.Registry
	inventory  collab.InventorySource
	logger     *slog.Logger

	ledger      *run.Ledger
	coordinator *fanout.Coordinator
	topology    queue.Topology
	router      *queue.Router
	manager     *queue.Manager
	pool        *worker.Pool
	elector     *cluster.Elector
	scheduler   *scheduler.Scheduler
	reaper      *reaper.Reaper

	roles        map[Role]bool
	workerQueues []string
	concurrency  int
	mws          []mw.Middleware
	exts         []ext.Extension

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// New builds an engine over a store, a broker and a registry of job
// types. The registry is sealed: job types must be registered before New.
func New(st store.Store, br transport.Broker, reg *executor.Registry, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, datenschleuder.ErrNoStore
	}
	if br == nil {
		return nil, datenschleuder.ErrNoBroker
	}
	if reg == nil {
		return nil, errors.New("datenschleuder: no executor registry configured")
	}

	eng := &Engine{
		config:   datenschleuder.DefaultConfig(),
		store:    st,
		broker:   br,
		registry: reg,
		logger:   slog.Default(),
		topology: queue.DefaultTopology(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.roles == nil {
		eng.roles = make(map[Role]bool, len(AllRoles))
		for _, r := range AllRoles {
			eng.roles[r] = true
		}
	}
	if eng.topology.Fallback == "" {
		eng.topology.Fallback = eng.config.DefaultQueue
	}
	if err := eng.topology.Validate(); err != nil {
		return nil, fmt.Errorf("queue topology: %w", err)
	}
	if len(eng.workerQueues) == 0 {
		eng.workerQueues = eng.topology.Names()
	}
	if eng.concurrency <= 0 {
		eng.concurrency = defaultConcurrency(eng.topology, eng.workerQueues)
	}

	reg.Seal()

	eng.extensions = ext.NewRegistry(eng.logger)
	eng.extensions.Register(eng.metricsExtension())
	eng.extensions.Register(barrierRelease{eng: eng})
	for _, e := range eng.exts {
		eng.extensions.Register(e)
	}

	eng.ledger = run.NewLedger(st,
		run.WithLogger(eng.logger),
		run.WithObserver(eng.extensions),
		run.WithRevoker(br),
	)
	eng.coordinator = fanout.NewCoordinator(st, br, eng.ledger,
		fanout.WithLogger(eng.logger),
		fanout.WithEmitter(eng.extensions),
		fanout.WithProgress(st),
		fanout.WithJoinLease(eng.config.JoinLease),
	)
	eng.router = queue.NewRouter(eng.topology)
	eng.manager = queue.NewManager(eng.topology.Queues...)

	eng.pool = worker.NewPool(br, eng.HandleTask, eng.logger,
		worker.WithPoolConcurrency(eng.concurrency),
		worker.WithPoolQueues(eng.workerQueues),
		worker.WithPollInterval(eng.config.PollInterval),
		worker.WithHeartbeatInterval(eng.config.HeartbeatInterval),
		worker.WithQueueManager(eng.manager),
		worker.WithClusterStore(st),
		worker.WithJobTypes(reg.Types()),
		worker.WithMiddleware(eng.middlewareChain()...),
	)

	eng.elector = cluster.NewElector(st, eng.pool.WorkerID(), eng.config.LeaderTTL, eng.logger)
	eng.scheduler = scheduler.New(st, eng, eng.logger,
		scheduler.WithTickInterval(eng.config.TickInterval),
		scheduler.WithLeadership(eng.elector),
		scheduler.WithEmitter(eng.extensions),
	)
	eng.reaper = reaper.New(eng.ledger, br,
		reaper.WithConfig(eng.config),
		reaper.WithEmitter(eng.extensions),
		reaper.WithLogger(eng.logger),
	)

	return eng, nil
}

func defaultConcurrency(t queue.Topology, served []string) int {
	limits := make(map[string]int, len(t.Queues))
	for _, q := range t.Queues {
		limits[q.Name] = q.Concurrency
	}
	n := 0
	for _, q := range served {
		if c := limits[q]; c > 0 {
			n += c
		} else {
			n++
		}
	}
	return max(n, 1)
}

func (eng *Engine) metricsExtension() *observability.MetricsExtension {
	if eng.meterProvider != nil {
		return observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	}
	return observability.NewMetricsExtension()
}

// middlewareChain builds the default stack:
// recover → tracing → metrics → logging → timeout → custom.
func (eng *Engine) middlewareChain() []mw.Middleware {
	tracing := mw.Tracing()
	if eng.tracerProvider != nil {
		tracing = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	}
	metrics := mw.Metrics()
	if eng.meterProvider != nil {
		metrics = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	}

	chain := []mw.Middleware{
		mw.Recover(eng.logger),
		tracing,
		metrics,
		mw.Logging(eng.logger),
		mw.Timeout(eng.config.TaskTimeout, eng.logger),
	}
	return append(chain, eng.mws...)
}

// Start launches the configured roles.
func (eng *Engine) Start(ctx context.Context) error {
	if eng.roles[RoleWorker] {
		if err := eng.pool.Start(ctx); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
	}
	if eng.roles[RoleScheduler] {
		eng.elector.Start(ctx)
		if err := eng.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	if eng.roles[RoleReaper] {
		if err := eng.reaper.Start(ctx); err != nil {
			return fmt.Errorf("start reaper: %w", err)
		}
	}
	eng.logger.Info("engine started",
		slog.String("worker_id", eng.pool.WorkerID().String()),
		slog.Any("job_types", eng.registry.Types()),
	)
	return nil
}

// Stop shuts the roles down in reverse order and notifies extensions.
func (eng *Engine) Stop(ctx context.Context) error {
	var errs []error
	if eng.roles[RoleReaper] {
		errs = append(errs, eng.reaper.Stop(ctx))
	}
	if eng.roles[RoleScheduler] {
		errs = append(errs, eng.scheduler.Stop(ctx))
		eng.elector.Stop()
	}
	if eng.roles[RoleWorker] {
		errs = append(errs, eng.pool.Stop(ctx))
	}
	eng.extensions.EmitShutdown(ctx)
	return errors.Join(errs...)
}

// Ledger returns the run ledger.
func (eng *Engine) Ledger() *run.Ledger { return eng.ledger }

// Registry returns the executor registry.
func (eng *Engine) Registry() *executor.Registry { return eng.registry }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Coordinator returns the fan-out coordinator.
func (eng *Engine) Coordinator() *fanout.Coordinator { return eng.coordinator }

// Scheduler returns the schedule tick.
func (eng *Engine) Scheduler() *scheduler.Scheduler { return eng.scheduler }

// Reaper returns the stale-run reaper.
func (eng *Engine) Reaper() *reaper.Reaper { return eng.reaper }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Topology returns the queue topology.
func (eng *Engine) Topology() queue.Topology { return eng.topology }

// Store returns the backing store.
func (eng *Engine) Store() store.Store { return eng.store }

// Broker returns the transport broker.
func (eng *Engine) Broker() transport.Broker { return eng.broker }

// Config returns the effective configuration.
func (eng *Engine) Config() datenschleuder.Config { return eng.config }
