// Package observability provides metrics extensions for acidic.
//
// [MetricsExtension] records lifecycle counters through OpenTelemetry;
// [PrometheusExtension] exposes the same events as Prometheus collectors.
// Both implement ext hooks and are registered with engine.WithExtension.
//
// For per-step tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
