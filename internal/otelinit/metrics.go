package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the common instruments every component records against.
type Metrics struct {
	DispatchAttempts  metric.Int64Counter
	DispatchFailures  metric.Int64Counter
	EngineDuration    metric.Float64Histogram
	ClaimLatency      metric.Float64Histogram
	RetryAttempts     metric.Int64Counter
	CircuitOpenEvents metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter. promHandler is
// always nil: this build pushes metrics over OTLP only and does not
// expose a pull-based /metrics endpoint.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler any, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, nil, createCommonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, nil, createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter("tianshu")
	dispatchAttempts, _ := meter.Int64Counter("tianshu_dispatch_attempts_total")
	dispatchFailures, _ := meter.Int64Counter("tianshu_dispatch_failures_total")
	engineDuration, _ := meter.Float64Histogram("tianshu_engine_duration_seconds")
	claimLatency, _ := meter.Float64Histogram("tianshu_claim_latency_seconds")
	retry, _ := meter.Int64Counter("tianshu_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("tianshu_resilience_circuit_open_total")
	return Metrics{
		DispatchAttempts:  dispatchAttempts,
		DispatchFailures:  dispatchFailures,
		EngineDuration:    engineDuration,
		ClaimLatency:      claimLatency,
		RetryAttempts:     retry,
		CircuitOpenEvents: circuit,
	}
}
