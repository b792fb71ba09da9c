// Package observability provides metrics, structured logging and tracing for
// the agent runtime.
//
// # Metrics
//
// Metrics are Prometheus collectors registered against a caller-supplied
// registerer. They count decision steps, executed instructions, terminal
// operation statuses, LLM requests and token usage, tool executions, human
// approval traffic and async task outcomes.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordInstruction("call_tool", "success")
//
// # Logging
//
// Logging is built on log/slog. The handler installed by NewLogger redacts
// API keys, passwords and tokens from messages and attributes, and copies the
// operation, session, topic and agent ids found in the context onto every
// record.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	ctx = observability.AddOperationID(ctx, op.ID)
//	logger.Slog().InfoContext(ctx, "step finished", "step", 2)
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter. A run span wraps a
// whole operation; step and instruction spans nest below it. Log records
// written inside a span carry its trace_id.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "agentcore",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(context.Background())
//
// All three accept nil receivers where noted, so components can run without
// them in tests.
package observability
