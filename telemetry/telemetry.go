// Package telemetry bootstraps OpenTelemetry for the orchestration core and
// exposes a small emission API the rest of the module uses without touching
// OTel types directly.
//
// Init wires trace and metric providers against an OTLP/HTTP collector
// endpoint (stdout traces in dev mode) and installs them globally. The
// package-level helpers (Counter, Histogram, Duration, span helpers) are
// safe to call before Init: they no-op until a provider exists.
package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/aard-labs/aard"
	"github.com/aard-labs/aard/core"
)

const instrumentationName = "github.com/aard-labs/aard"

// Options configures the telemetry bootstrap.
type Options struct {
	// ServiceName stamps the OTel resource; defaults to "aard".
	ServiceName string
	// Endpoint is the OTLP/HTTP collector address (host:port). Empty
	// disables export unless DevMode is set.
	Endpoint string
	// DevMode writes pretty-printed traces to stdout instead of OTLP.
	DevMode bool
	// Logger receives bootstrap diagnostics. Optional.
	Logger core.Logger
}

// Provider owns the OTel SDK pipelines. It implements core.Telemetry so
// components can take the interface without importing this package.
type Provider struct {
	tracer         trace.Tracer
	meter          metric.Meter
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider
	instruments    *instrumentSet
}

var _ core.Telemetry = (*Provider)(nil)

// active holds the Provider the package-level helpers emit through.
var active atomic.Pointer[Provider]

// Init creates the OTel providers, installs them globally, and activates
// the package-level helpers.
func Init(ctx context.Context, opts Options) (*Provider, error) {
	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "aard"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(aard.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tracerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch {
	case opts.DevMode:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(exporter))
	case opts.Endpoint != "":
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(opts.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tracerOpts...)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if opts.Endpoint != "" && !opts.DevMode {
		exporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(opts.Endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}
	mp := sdkmetric.NewMeterProvider(metricOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	meter := mp.Meter(instrumentationName)
	p := &Provider{
		tracer:         tp.Tracer(instrumentationName),
		meter:          meter,
		traceProvider:  tp,
		metricProvider: mp,
		instruments:    newInstrumentSet(meter),
	}
	active.Store(p)

	if opts.Logger != nil {
		opts.Logger.Info("Telemetry initialized", map[string]interface{}{
			"service":  serviceName,
			"endpoint": opts.Endpoint,
			"dev_mode": opts.DevMode,
		})
	}

	return p, nil
}

// Shutdown flushes and stops both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	if active.Load() == p {
		active.Store(nil)
	}
	var firstErr error
	if err := p.traceProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := p.metricProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// StartSpan implements core.Telemetry.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements core.Telemetry. Values are recorded as histogram
// observations; use the package helpers for typed instruments.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	p.instruments.recordHistogram(context.Background(), name, value, attrs)
}

// otelSpan adapts an OTel span to core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
