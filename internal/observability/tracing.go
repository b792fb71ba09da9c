package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer records agent spans with OpenTelemetry.
//
// An operation produces one run span, one child span per decision step and
// one span per executed instruction below it. LLM requests and tool calls get
// their own client spans. A nil *Tracer is valid and records nothing.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TraceConfig configures span export. An empty Endpoint disables export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string
	// SamplingRate is the fraction of runs recorded. Zero means 1.0.
	SamplingRate float64
	Attributes   map[string]string
	Insecure     bool
}

// NewTracer builds a tracer and the shutdown func that flushes it. Export
// failures at startup fall back to the global provider.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentcore"
	}
	fallback := &Tracer{tracer: otel.Tracer(cfg.ServiceName), serviceName: cfg.ServiceName}
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return fallback, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return fallback, noop
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(traceResource(cfg)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return NewTracerFromProvider(provider, cfg.ServiceName), provider.Shutdown
}

// NewTracerFromProvider wraps an existing provider. Tests pass one backed by
// a span recorder.
func NewTracerFromProvider(provider trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: provider.Tracer(name), serviceName: name}
}

func traceResource(cfg TraceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func (t *Tracer) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// TraceRun starts the root span for one operation.
func (t *Tracer) TraceRun(ctx context.Context, operationID, sessionID string) (context.Context, trace.Span) {
	return t.start(ctx, "agent.run", trace.SpanKindServer,
		attribute.String("operation.id", operationID),
		attribute.String("session.id", sessionID),
	)
}

// TraceStep starts a span for one decision step.
func (t *Tracer) TraceStep(ctx context.Context, step int, phase string) (context.Context, trace.Span) {
	return t.start(ctx, "agent.step", trace.SpanKindInternal,
		attribute.Int("step.index", step),
		attribute.String("step.phase", phase),
	)
}

// TraceInstruction starts a span for one executed instruction.
func (t *Tracer) TraceInstruction(ctx context.Context, instructionType string) (context.Context, trace.Span) {
	return t.start(ctx, "instruction."+instructionType, trace.SpanKindInternal,
		attribute.String("instruction.type", instructionType),
	)
}

// TraceLLMRequest starts a client span for a model request.
func (t *Tracer) TraceLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.start(ctx, "llm."+provider, trace.SpanKindClient,
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
}

// TraceToolExecution starts a client span for a tool call.
func (t *Tracer) TraceToolExecution(ctx context.Context, identifier, apiName string) (context.Context, trace.Span) {
	return t.start(ctx, "tool."+identifier, trace.SpanKindClient,
		attribute.String("tool.identifier", identifier),
		attribute.String("tool.api", apiName),
	)
}

// RecordError marks span as failed. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets alternating key/value pairs on span. Non-string keys
// and a trailing key without a value are dropped.
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	if span == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, toAttribute(key, keyvals[i+1]))
	}
	span.SetAttributes(attrs...)
}

func toAttribute(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

// TraceID returns the active trace id in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
