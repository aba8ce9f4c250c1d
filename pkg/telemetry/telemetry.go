// Package telemetry is the reference TelemetryPublisher (§6): every
// published event becomes a span event on an OTLP/HTTP trace provider,
// adapted from the teacher's tracing.Provider but narrowed to the single
// Publish(event) operation the dispatch core actually calls.
package telemetry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"forgeagent/pkg/dispatch"
)

// Config mirrors the teacher's tracing.Config, trimmed to what the
// dispatch core's single publisher needs.
type Config struct {
	ServiceName  string
	Environment  string
	Endpoint     string
	Enabled      bool
	SamplingRate float64
}

func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:  serviceName,
		Environment:  "development",
		Endpoint:     "localhost:4318",
		Enabled:      true,
		SamplingRate: 1.0,
	}
}

// Publisher implements dispatch.TelemetryPublisher by recording each event
// as a span on a fresh, immediately-ended span — dispatch-core telemetry
// events are point-in-time facts, not long-running operations worth a
// parent/child span tree.
type Publisher struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	log      *zap.Logger
}

func NewPublisher(ctx context.Context, cfg Config, log *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return &Publisher{tracer: otel.Tracer(cfg.ServiceName), log: log}, nil
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Publisher{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
		log:      log,
	}, nil
}

// Publish satisfies dispatch.TelemetryPublisher. Failures recording
// telemetry are ancillary — logged and swallowed, never surfaced to the
// caller, matching the error-handling design's "ancillary concerns" rule.
func (p *Publisher) Publish(ctx context.Context, event dispatch.TelemetryEvent) {
	_, span := p.tracer.Start(ctx, event.Name)
	defer span.End()

	attrs := make([]attribute.KeyValue, 0, len(event.Attributes)+1)
	attrs = append(attrs, attribute.String("job_id", jobIDString(event.JobID)))
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	span.AddEvent(event.Name, trace.WithAttributes(attrs...))

	if p.log != nil {
		p.log.Debug("telemetry event published", zap.String("event", event.Name), zap.String("job_id", jobIDString(event.JobID)))
	}
}

func jobIDString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// Shutdown drains the batch span processor; safe to call on a disabled
// Publisher.
func (p *Publisher) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
