// Package observability wires OpenTelemetry tracing and a
// Prometheus-backed meter provider, and exposes the named metrics the
// rest of the pipeline records against.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Config configures the providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SampleRate     float64 // 0.0-1.0, default 1.0
}

// Provider holds the tracer/meter and the webhook-pipeline's named
// instruments.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	EventsReceivedTotal   metric.Int64Counter
	EventsRoutedTotal     metric.Int64Counter
	EventsRejectedTotal   metric.Int64Counter
	PublishDurationSecond metric.Float64Histogram
	PublishRetryTotal     metric.Int64Counter
	DeadLetterTotal       metric.Int64Counter
	BreakerStateChanges   metric.Int64Counter
	IngressInFlight       metric.Int64UpDownCounter
}

// New builds a Provider backed by a Prometheus registry (typically
// prometheus.DefaultRegisterer so /metrics can scrape it directly).
func New(ctx context.Context, cfg Config, registerer prom.Registerer) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	exporter, err := prometheus.New(prometheus.WithRegisterer(registerer))
	if err != nil {
		return nil, fmt.Errorf("observability: prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else if cfg.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tracerProvider)

	p := &Provider{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		tracer:         tracerProvider.Tracer("queue-keeper"),
		meter:          meterProvider.Meter("queue-keeper"),
	}

	if err := p.initMetrics(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error

	if p.EventsReceivedTotal, err = p.meter.Int64Counter("queuekeeper_events_received_total",
		metric.WithDescription("Webhook deliveries accepted at ingress")); err != nil {
		return err
	}
	if p.EventsRoutedTotal, err = p.meter.Int64Counter("queuekeeper_events_routed_total",
		metric.WithDescription("Envelope-to-bot fan-out targets published")); err != nil {
		return err
	}
	if p.EventsRejectedTotal, err = p.meter.Int64Counter("queuekeeper_events_rejected_total",
		metric.WithDescription("Requests rejected before routing, by reason")); err != nil {
		return err
	}
	if p.PublishDurationSecond, err = p.meter.Float64Histogram("queuekeeper_publish_duration_seconds",
		metric.WithDescription("Time to publish one envelope to one queue"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5)); err != nil {
		return err
	}
	if p.PublishRetryTotal, err = p.meter.Int64Counter("queuekeeper_publish_retry_total",
		metric.WithDescription("Publish attempts beyond the first, per queue")); err != nil {
		return err
	}
	if p.DeadLetterTotal, err = p.meter.Int64Counter("queuekeeper_dead_letter_total",
		metric.WithDescription("Envelopes routed to the dead-letter store after retry exhaustion")); err != nil {
		return err
	}
	if p.BreakerStateChanges, err = p.meter.Int64Counter("queuekeeper_breaker_state_changes_total",
		metric.WithDescription("Circuit breaker transitions, by dependency and new state")); err != nil {
		return err
	}
	if p.IngressInFlight, err = p.meter.Int64UpDownCounter("queuekeeper_ingress_in_flight",
		metric.WithDescription("Requests currently holding an ingress permit")); err != nil {
		return err
	}
	return nil
}

// Tracer returns the pipeline's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// StartSpan is a small convenience wrapper matching the pipeline's
// span-per-stage usage.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var firstErr error
	if err := p.tracerProvider.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.meterProvider.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
