package engine

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/collab"
	"github.com/nerdfunk-net/datenschleuder-sub000/ext"
	mw "github.com/nerdfunk-net/datenschleuder-sub000/middleware"
	"github.com/nerdfunk-net/datenschleuder-sub000/queue"
)

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg datenschleuder.Config) Option {
	return func(eng *Engine) { eng.config = cfg }
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.exts = append(eng.exts, e) }
}

// WithMiddleware adds middleware after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithTopology sets the queues and the job type routes.
func WithTopology(t queue.Topology) Option {
	return func(eng *Engine) { eng.topology = t }
}

// WithInventory sets the source that resolves template inventories to
// device names.
func WithInventory(src collab.InventorySource) Option {
	return func(eng *Engine) { eng.inventory = src }
}

// WithRoles limits the background duties Start launches. Dispatch and
// the task handlers work regardless.
func WithRoles(roles ...Role) Option {
	return func(eng *Engine) {
		eng.roles = make(map[Role]bool, len(roles))
		for _, r := range roles {
			eng.roles[r] = true
		}
	}
}

// WithWorkerQueues sets the queues this process serves, in priority
// order. Defaults to every queue of the topology.
func WithWorkerQueues(queues ...string) Option {
	return func(eng *Engine) { eng.workerQueues = queues }
}

// WithConcurrency sets the number of worker goroutines. Defaults to the
// sum of the served queues' concurrency.
func WithConcurrency(n int) Option {
	return func(eng *Engine) { eng.concurrency = n }
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware and the observability extension. If not set, the global
// provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}
