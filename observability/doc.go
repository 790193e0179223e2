// Package observability provides an OpenTelemetry metrics extension. The
// MetricsExtension implements run lifecycle hooks to count created, finished
// and reaped runs, fan-out batches and joins, and schedule fires.
//
// For per-task tracing and metrics, see middleware.Tracing and
// middleware.Metrics.
package observability
