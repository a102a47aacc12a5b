// Package otel wires OpenTelemetry tracing and metrics for the bridge.
// When disabled every instrument is a no-op.
package otel

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "toolbridge"
	MeterName  = "toolbridge"
	// Version is reported as a resource attribute and by `toolbridge version`.
	Version = "v0.3.0"

	defaultOTLPEndpoint = "localhost:4318"
)

// Config is the `telemetry:` block of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// Insecure sends OTLP over plain HTTP. Unset means plain HTTP only for
	// loopback collectors.
	Insecure *bool `yaml:"insecure,omitempty"`
	// ResourceAttributes are attached to every span, e.g. deployment or region.
	ResourceAttributes map[string]string `yaml:"resource_attributes,omitempty"`
}

// Provider owns the tracer and meter providers for the process.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init builds a Provider from cfg. W3C trace context is installed as the
// global propagator in every mode so upgrade requests can carry a parent.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "none":
		// Spans are still created and carry trace ids into the logs.
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case "otlp-http", "":
		exp, err := otlptracehttp.New(ctx, otlpOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			if mErr := mp.Shutdown(ctx); tErr == nil {
				return mErr
			}
			return tErr
		},
	}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func resourceAttributes(cfg Config) []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = "toolbridge"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(Version),
	}
	keys := make([]string, 0, len(cfg.ResourceAttributes))
	for k := range cfg.ResourceAttributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, cfg.ResourceAttributes[k]))
	}
	return attrs
}

func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func otlpOptions(cfg Config) []otlptracehttp.Option {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOTLPEndpoint
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if plaintextCollector(cfg) {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

// plaintextCollector reports whether spans may leave the process without TLS.
func plaintextCollector(cfg Config) bool {
	if cfg.Insecure != nil {
		return *cfg.Insecure
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOTLPEndpoint
	}
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
