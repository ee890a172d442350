// Package telemetry exports proctoring decision metrics over OTLP.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName    = "proctord"
	serviceVersion = "1.0.0"
)

// Exporter records decision metrics and ships them to an OTEL Collector.
type Exporter struct {
	provider        *sdkmetric.MeterProvider
	decisionsTotal  metric.Int64Counter
	warningsTotal   metric.Int64Counter
	terminations    metric.Int64Counter
	sessionsCreated metric.Int64Counter
}

// NewExporter creates a new OTEL metrics exporter.
func NewExporter(ctx context.Context, cfg Config) (*Exporter, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTEL exporter is disabled or endpoint not configured")
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return newExporter(provider)
}

func newExporter(provider *sdkmetric.MeterProvider) (*Exporter, error) {
	meter := provider.Meter(serviceName)

	decisionsTotal, err := meter.Int64Counter(
		"proctor_decisions_total",
		metric.WithDescription("Frames decided, by outcome"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating decisions counter: %w", err)
	}

	warningsTotal, err := meter.Int64Counter(
		"proctor_warnings_total",
		metric.WithDescription("Warnings charged, by infraction kind"),
		metric.WithUnit("{warning}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating warnings counter: %w", err)
	}

	terminations, err := meter.Int64Counter(
		"proctor_terminations_total",
		metric.WithDescription("Sessions terminated, by cause"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating terminations counter: %w", err)
	}

	sessionsCreated, err := meter.Int64Counter(
		"proctor_sessions_created_total",
		metric.WithDescription("Sessions created on first frame"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sessions counter: %w", err)
	}

	return &Exporter{
		provider:        provider,
		decisionsTotal:  decisionsTotal,
		warningsTotal:   warningsTotal,
		terminations:    terminations,
		sessionsCreated: sessionsCreated,
	}, nil
}

// SessionCreated counts a new session.
func (e *Exporter) SessionCreated(ctx context.Context) {
	e.sessionsCreated.Add(ctx, 1)
}

// Decision counts a frame decision.
func (e *Exporter) Decision(ctx context.Context, outcome string) {
	e.decisionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// WarningCharged counts a charged warning.
func (e *Exporter) WarningCharged(ctx context.Context, kind string) {
	e.warningsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("infraction", kind)))
}

// Terminated counts a termination.
func (e *Exporter) Terminated(ctx context.Context, cause string) {
	e.terminations.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

// Close shuts down the exporter and flushes any pending metrics.
func (e *Exporter) Close(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
