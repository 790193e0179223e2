package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// tracerName is the instrumentation scope name for task tracing.
const tracerName = "github.com/nerdfunk-net/datenschleuder-sub000"

// Tracing returns middleware that wraps task execution in an OpenTelemetry
// span using the global TracerProvider. Without a configured provider the
// noop tracer makes it a pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *transport.Task, next Handler) error {
		ctx, span := tracer.Start(ctx, "datenschleuder.task."+string(t.Kind),
			trace.WithAttributes(
				attribute.String("datenschleuder.task.id", t.ID.String()),
				attribute.String("datenschleuder.run.id", t.RunID.String()),
				attribute.String("datenschleuder.job_type", t.JobType),
				attribute.String("datenschleuder.queue", t.Queue),
				attribute.Int("datenschleuder.batch_index", t.BatchIndex),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
