// Package telemetry wires OpenTelemetry tracing and metrics for dealflow.
//
// OTEL instruments are bridged into the client_golang default registry, so
// /metrics serves them next to the Prometheus collectors the orchestrator
// registers directly. With telemetry enabled, spans and metrics are also
// pushed to a collector over OTLP gRPC or HTTP.
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: "grpc"
//	  sample_rate: 0.25
//
// Failures to build an exporter leave the service running; Degraded lists
// what did not start.
//
// Tests use TestTelemetry, which records spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	tt.Install(t)
//	// ... exercise code that calls otel.Tracer(...)
//	tt.AssertSpanExists(t, "orchestrator.handle")
package telemetry
