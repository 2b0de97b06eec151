package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures the tracer. An empty Endpoint yields a no-op
// tracer, so instrumentation points never need nil checks.
type TraceConfig struct {
	Endpoint       string
	ServiceName    string
	EnableInsecure bool
	SamplingRate   float64
}

// Tracer wraps the OTel tracer with the turn driver's span vocabulary.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracer builds a Tracer and its shutdown function.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "vtcode-turndriver"
	}
	noop := func(context.Context) error { return nil }

	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	res, err := sdkresource.New(context.Background(),
		sdkresource.WithAttributes(semconv.ServiceName(config.ServiceName)))
	if err != nil {
		res = sdkresource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate <= 0 || config.SamplingRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	t := &Tracer{tracer: provider.Tracer(config.ServiceName), provider: provider}
	return t, provider.Shutdown
}

// StartTurn opens the per-turn span.
func (t *Tracer) StartTurn(ctx context.Context, turnID, provider, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("turn.id", turnID),
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		))
}

// StartToolCall opens the per-tool-call child span.
func (t *Tracer) StartToolCall(ctx context.Context, tool, callID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool_call",
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.String("tool.call_id", callID),
		))
}

// RecordError annotates a span with an error, nil-safe.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}
