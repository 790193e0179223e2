package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nerdfunk-net/datenschleuder-sub000/ext"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.RunCreated    = (*MetricsExtension)(nil)
	_ ext.RunCompleted  = (*MetricsExtension)(nil)
	_ ext.RunFailed     = (*MetricsExtension)(nil)
	_ ext.RunCancelled  = (*MetricsExtension)(nil)
	_ ext.RunReaped     = (*MetricsExtension)(nil)
	_ ext.BatchDone     = (*MetricsExtension)(nil)
	_ ext.JoinFired     = (*MetricsExtension)(nil)
	_ ext.ScheduleFired = (*MetricsExtension)(nil)
)

const meterName = "github.com/nerdfunk-net/datenschleuder-sub000/observability"

// MetricsExtension records system-wide run lifecycle counters. Register it
// on the ext.Registry to track dispatch rates, outcomes per job type,
// reaped runs, fan-out batches and schedule fires.
type MetricsExtension struct {
	runsCreated    metric.Int64Counter
	runsFinished   metric.Int64Counter
	runDuration    metric.Float64Histogram
	runsReaped     metric.Int64Counter
	batchesDone    metric.Int64Counter
	joinsFired     metric.Int64Counter
	schedulesFired metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on the given meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// The OTel API returns noop instruments alongside any error.
	m := &MetricsExtension{}
	m.runsCreated, _ = meter.Int64Counter("datenschleuder.run.created",
		metric.WithDescription("Runs written to the ledger"))
	m.runsFinished, _ = meter.Int64Counter("datenschleuder.run.finished",
		metric.WithDescription("Runs that reached a terminal status"))
	m.runDuration, _ = meter.Float64Histogram("datenschleuder.run.duration",
		metric.WithDescription("Wall time from start to completion"),
		metric.WithUnit("s"))
	m.runsReaped, _ = meter.Int64Counter("datenschleuder.run.reaped",
		metric.WithDescription("Runs force-failed by the reaper"))
	m.batchesDone, _ = meter.Int64Counter("datenschleuder.fanout.batches",
		metric.WithDescription("Fan-out batches that reported"))
	m.joinsFired, _ = meter.Int64Counter("datenschleuder.fanout.joins",
		metric.WithDescription("Fan-out joins submitted"))
	m.schedulesFired, _ = meter.Int64Counter("datenschleuder.schedule.fired",
		metric.WithDescription("Due schedules dispatched by the tick"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Run lifecycle hooks ─────────────────────────────

// OnRunCreated implements ext.RunCreated.
func (m *MetricsExtension) OnRunCreated(ctx context.Context, r *run.Run) error {
	m.runsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", r.JobType),
		attribute.String("triggered_by", string(r.TriggeredBy)),
	))
	return nil
}

// OnRunCompleted implements ext.RunCompleted.
func (m *MetricsExtension) OnRunCompleted(ctx context.Context, r *run.Run, elapsed time.Duration) error {
	m.finished(ctx, r)
	m.runDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("job_type", r.JobType)))
	return nil
}

// OnRunFailed implements ext.RunFailed.
func (m *MetricsExtension) OnRunFailed(ctx context.Context, r *run.Run) error {
	m.finished(ctx, r)
	return nil
}

// OnRunCancelled implements ext.RunCancelled.
func (m *MetricsExtension) OnRunCancelled(ctx context.Context, r *run.Run) error {
	m.finished(ctx, r)
	return nil
}

// OnRunReaped implements ext.RunReaped.
func (m *MetricsExtension) OnRunReaped(ctx context.Context, r *run.Run, _ string) error {
	m.runsReaped.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", r.JobType)))
	return nil
}

func (m *MetricsExtension) finished(ctx context.Context, r *run.Run) {
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", r.JobType),
		attribute.String("status", string(r.Status)),
	))
}

// ── Fan-out hooks ───────────────────────────────────

// OnBatchDone implements ext.BatchDone.
func (m *MetricsExtension) OnBatchDone(ctx context.Context, _ id.RunID, _, _ int) error {
	m.batchesDone.Add(ctx, 1)
	return nil
}

// OnJoinFired implements ext.JoinFired.
func (m *MetricsExtension) OnJoinFired(ctx context.Context, _ id.RunID, _ id.TaskID) error {
	m.joinsFired.Add(ctx, 1)
	return nil
}

// ── Schedule hooks ──────────────────────────────────

// OnScheduleFired implements ext.ScheduleFired.
func (m *MetricsExtension) OnScheduleFired(ctx context.Context, _ id.ScheduleID, _ string, runID id.RunID) error {
	outcome := "dispatched"
	if runID.IsNil() {
		outcome = "failed"
	}
	m.schedulesFired.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return nil
}
