package main

import (
	"context"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"

	"wsrpc/config"
	"wsrpc/middleware"
)

// newTracerProvider returns a provider exporting spans to the configured
// OTLP collector, or nil when tracing is off.
func newTracerProvider(ctx context.Context, cfg config.Config) (*sdktrace.TracerProvider, error) {
	if cfg.Tracing.Endpoint == "" {
		return nil, nil
	}
	options := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Tracing.Endpoint),
	}
	if cfg.Tracing.Insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(options...))
	if err != nil {
		return nil, errors.Annotatef(err, "tracing to %s", cfg.Tracing.Endpoint)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.Service),
			semconv.ServiceVersion(version),
		)),
	), nil
}

// useTracing installs the tracing middleware when a provider is
// configured. The returned func flushes and stops the exporter.
func useTracing(ctx context.Context, cfg config.Config, use func(middleware.Middleware)) (func(context.Context) error, error) {
	tp, err := newTracerProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if tp == nil {
		return func(context.Context) error { return nil }, nil
	}
	logger.Infof("exporting traces to %s", cfg.Tracing.Endpoint)
	use(middleware.TracingMiddleware(tp.Tracer(middleware.TracerName)))
	return tp.Shutdown, nil
}
