// Package observability provides logging, metrics, and tracing for the
// model-serving gateway.
//
// Logging is structured (zap) behind a small Logger interface so packages
// stay decoupled from the concrete backend. Metrics are Prometheus
// collectors on a private registry exposed at /metrics. Tracing is
// OpenTelemetry with an optional OTLP/gRPC exporter; when disabled the
// tracer is a no-op.
package observability
