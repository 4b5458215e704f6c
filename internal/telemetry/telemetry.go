// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and defines the engine's instruments.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// EngineMetrics holds the evaluation engine's counters. With OTEL disabled
// the global no-op meter makes every Add a no-op.
type EngineMetrics struct {
	Cycles         metric.Int64Counter
	Evaluations    metric.Int64Counter
	Triggers       metric.Int64Counter
	BlockedActions metric.Int64Counter
	BreakerTrips   metric.Int64Counter
	UnitErrors     metric.Int64Counter
}

// NewEngineMetrics registers the engine's instruments on the global meter.
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := Meter("kanshi/engine")

	cycles, err := meter.Int64Counter("kanshi.cycles",
		metric.WithDescription("Completed evaluation cycles"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create cycles counter: %w", err)
	}
	evaluations, err := meter.Int64Counter("kanshi.evaluations",
		metric.WithDescription("Per-unit evaluations performed"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create evaluations counter: %w", err)
	}
	triggers, err := meter.Int64Counter("kanshi.triggers",
		metric.WithDescription("Trigger firings"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create triggers counter: %w", err)
	}
	blocked, err := meter.Int64Counter("kanshi.blocked_actions",
		metric.WithDescription("Mutations blocked by the rate limiter"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create blocked counter: %w", err)
	}
	trips, err := meter.Int64Counter("kanshi.breaker_trips",
		metric.WithDescription("Circuit breaker trips"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trips counter: %w", err)
	}
	unitErrors, err := meter.Int64Counter("kanshi.unit_errors",
		metric.WithDescription("Per-unit evaluation errors"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create unit errors counter: %w", err)
	}

	return &EngineMetrics{
		Cycles:         cycles,
		Evaluations:    evaluations,
		Triggers:       triggers,
		BlockedActions: blocked,
		BreakerTrips:   trips,
		UnitErrors:     unitErrors,
	}, nil
}
