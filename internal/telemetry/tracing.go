package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName is reported on spans when none is configured.
const DefaultServiceName = "dagflow"

// TracerProvider wraps either an SDK provider exporting over OTLP/HTTP or a
// no-op provider when no endpoint is configured.
type TracerProvider struct {
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
}

// TracingConfig selects the OTLP/HTTP collector.
type TracingConfig struct {
	// Endpoint is host:port or a URL. Empty disables tracing.
	Endpoint    string
	ServiceName string
	Insecure    bool
}

// NewTracerProvider builds a provider from cfg.
func NewTracerProvider(ctx context.Context, cfg TracingConfig) (*TracerProvider, error) {
	if cfg.Endpoint == "" {
		return NewNoopTracerProvider(), nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	opts := []otlptracehttp.Option{}
	if strings.Contains(cfg.Endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &TracerProvider{provider: tp, sdk: tp}, nil
}

// NewNoopTracerProvider returns a provider whose spans are discarded.
func NewNoopTracerProvider() *TracerProvider {
	return &TracerProvider{provider: noop.NewTracerProvider()}
}

// Tracer returns a named tracer.
func (p *TracerProvider) Tracer(name string) trace.Tracer {
	return p.provider.Tracer(name)
}

// Provider exposes the underlying provider, e.g. for otel.SetTracerProvider.
func (p *TracerProvider) Provider() trace.TracerProvider {
	return p.provider
}

// Enabled reports whether spans are exported.
func (p *TracerProvider) Enabled() bool {
	return p.sdk != nil
}

// Shutdown flushes buffered spans. It is a no-op for the no-op provider.
func (p *TracerProvider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
