// Package telemetry provides Prometheus metrics and OpenTelemetry tracing for
// pipeline runs.
//
// lidarfetch is a batch tool, so metrics are not served over HTTP. They can be
// written once at the end of a run with [Metrics.WriteToTextfile] for the
// node_exporter textfile collector.
package telemetry
