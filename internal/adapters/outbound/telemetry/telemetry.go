// Package telemetry sets up OpenTelemetry metrics and tracing and provides
// the MetricsRecorder implementation the application records into.
//
// Usage:
//
//	shutdown, err := telemetry.Init(ctx, telemetry.Config{
//	    ServiceName:  "stl-timeserver",
//	    OTLPEndpoint: "localhost:4317",
//	})
//	defer shutdown(ctx)
//
// With no OTLP endpoint the global providers stay no-op, unless StdoutTraces
// is set, in which case spans are pretty-printed to stdout for local debugging.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config holds configuration for telemetry.
type Config struct {
	// ServiceName is the name of the service (e.g., "stl-timeserver").
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Environment is the deployment environment (e.g., "development", "production").
	Environment string

	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g., "localhost:4317").
	// If empty, nothing is exported.
	OTLPEndpoint string

	// StdoutTraces exports spans to stdout when no OTLP endpoint is set.
	StdoutTraces bool

	// SampleRate is the sampling rate (0.0 to 1.0). Default is 1.0 (sample everything).
	SampleRate float64

	// MetricInterval is the metric export period. Default is 15 seconds.
	MetricInterval time.Duration
}

// ConfigDefaults returns default configuration.
func ConfigDefaults() Config {
	return Config{
		ServiceName:    "stl-timeserver",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
		MetricInterval: 15 * time.Second,
	}
}

// Init installs the global meter and tracer providers.
// Returns a shutdown function that flushes and stops both.
func Init(ctx context.Context, config Config) (shutdown func(context.Context) error, err error) {
	defaults := ConfigDefaults()
	if config.ServiceName == "" {
		config.ServiceName = defaults.ServiceName
	}
	if config.SampleRate == 0 {
		config.SampleRate = defaults.SampleRate
	}
	if config.MetricInterval <= 0 {
		config.MetricInterval = defaults.MetricInterval
	}

	if config.OTLPEndpoint == "" && !config.StdoutTraces {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironmentName(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdowns []func(context.Context) error

	if config.OTLPEndpoint != "" {
		mp, err := initMeterProvider(ctx, config, res)
		if err != nil {
			return nil, err
		}
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	tp, err := initTracerProvider(ctx, config, res)
	if err != nil {
		for _, fn := range shutdowns {
			_ = fn(ctx)
		}
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	shutdowns = append(shutdowns, tp.Shutdown)

	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}, nil
}

func initMeterProvider(ctx context.Context, config Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(config.MetricInterval))),
	), nil
}

func initTracerProvider(ctx context.Context, config Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	if config.OTLPEndpoint != "" {
		conn, err := grpc.NewClient(
			config.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}

		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	} else {
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SampleRate)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}
