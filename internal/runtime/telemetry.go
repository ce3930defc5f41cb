package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

// Version is stamped into telemetry and set by the CLI.
var Version = "dev"

// telemetryResource tags spans and metrics with the node id used on the bus
// and the engine setup of this node.
func telemetryResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	nodeID := cfg.Bus.NodeID
	if nodeID == "" {
		nodeID = cfg.RuntimeName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.ServiceVersion(Version),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("loqa.node_id", nodeID),
		attribute.String("loqa.engine.preferred", cfg.Engines.Preferred),
		attribute.String("loqa.engine.fallback", cfg.Engines.Fallback),
		attribute.String("loqa.notes.mode", cfg.Notes.Mode),
		attribute.Bool("loqa.refine.enabled", cfg.Batch.Endpoint != ""),
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// setupTelemetry installs the global providers and returns the metrics
// handler mounted on the API router.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := telemetryResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	exporter, kind, err := spanExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, err
	}
	tracing := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracing)

	metrics, handler := meterProvider(res, logger)
	otel.SetMeterProvider(metrics)

	logger.Info("telemetry initialized",
		slog.String("exporter", kind),
		slog.String("engine_preferred", cfg.Engines.Preferred),
		slog.String("engine_fallback", cfg.Engines.Fallback),
	)

	shutdown := func(ctx context.Context) error {
		return errors.Join(metrics.Shutdown(ctx), tracing.Shutdown(ctx))
	}
	return shutdown, handler, nil
}

// spanExporter sends spans to the configured collector, or to stderr when
// none is set.
func spanExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		return exp, "stdout", err
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	return exp, "otlp", err
}

func meterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		logger.Warn("prometheus exporter unavailable", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	return provider, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
