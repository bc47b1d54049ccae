// Package tracing configures OpenTelemetry for vault-link and vaultctl and
// names the spans and attributes they emit.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Environment variables read by GetConfig.
const (
	EnabledEnv     = "VAULT_LINK_OTEL_ENABLED"
	InsecureEnv    = "VAULT_LINK_OTEL_INSECURE"
	SampleRatioEnv = "VAULT_LINK_OTEL_SAMPLE_RATIO"
	EndpointEnv    = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

const defaultEndpoint = "localhost:4317"

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	// Insecure disables TLS towards the collector.
	Insecure bool
	// SampleRatio is the fraction of root traces kept, in [0, 1].
	SampleRatio float64
}

// GetConfig reads tracing configuration from the environment. The collector
// is reached in plaintext at localhost:4317 and every trace is sampled unless
// overridden.
func GetConfig(serviceName string) Config {
	cfg := Config{
		Enabled:     envBool(EnabledEnv, false),
		Endpoint:    os.Getenv(EndpointEnv),
		ServiceName: serviceName,
		Insecure:    envBool(InsecureEnv, true),
		SampleRatio: 1,
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if v := os.Getenv(SampleRatioEnv); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "true":
		return true
	case "false":
		return false
	default:
		return def
	}
}

// Initialize installs the global tracer provider and W3C propagators and
// returns the service tracer. When disabled it returns a no-op tracer and a
// no-op shutdown.
func Initialize(cfg Config, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.Enabled {
		logger.Info("tracing disabled, using no-op tracer")
		return noop.NewTracerProvider().Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	logger.Info("initializing tracing", "endpoint", cfg.Endpoint, "service", cfg.ServiceName, "sampleRatio", cfg.SampleRatio)

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), exporterOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Tracer(cfg.ServiceName), func(ctx context.Context) error {
		logger.Info("shutting down tracer provider")
		return tp.Shutdown(ctx)
	}, nil
}
