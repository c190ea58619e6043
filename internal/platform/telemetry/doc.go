// Package telemetry groups inkroom's operational observability.
//
// Tracing is configured by platform/otel at process start. Metrics live in
// telemetry/metrics and are exposed in Prometheus format on /metrics.
//
// Neither concern is a source of truth for drawing state: room history is
// owned by the drawing engine, and telemetry only observes it.
package telemetry
