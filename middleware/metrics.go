package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// meterName is the instrumentation scope name for task metrics.
const meterName = "github.com/nerdfunk-net/datenschleuder-sub000"

// Metrics returns middleware that records per-task metrics with the global
// MeterProvider.
//
// Instruments:
//   - datenschleuder.task.duration (Float64Histogram), seconds
//   - datenschleuder.task.executions (Int64Counter)
//
// Both carry job_type, kind, queue and status ("ok" or "error").
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API returns noop instruments alongside any error.
	duration, _ := meter.Float64Histogram(
		"datenschleuder.task.duration",
		metric.WithDescription("Duration of task execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"datenschleuder.task.executions",
		metric.WithDescription("Total number of task executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, t *transport.Task, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("job_type", t.JobType),
			attribute.String("kind", string(t.Kind)),
			attribute.String("queue", t.Queue),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		return err
	}
}
