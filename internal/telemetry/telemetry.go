// Package telemetry configures OpenTelemetry tracing for the watcher.
package telemetry

import (
	"context"
	"errors"
	"net/url"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// EndpointEnv names the standard OTLP endpoint variable.
const EndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

// Config controls telemetry initialization.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	Insecure       bool
}

// Enabled reports whether an exporter endpoint is configured, either in cfg
// or in the environment.
func (c Config) Enabled() bool {
	return c.OTLPEndpoint != "" || os.Getenv(EndpointEnv) != ""
}

// Init installs a global TracerProvider exporting over OTLP/HTTP and returns
// a shutdown function that flushes pending spans.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name required")
	}

	ep := cfg.OTLPEndpoint
	if ep == "" {
		ep = os.Getenv(EndpointEnv)
	}
	if ep == "" {
		ep = "http://127.0.0.1:4318"
	}
	endpoint, insecure, err := parseEndpoint(ep)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure || insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp, err := NewTracerProvider(exporter, cfg)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// NewTracerProvider wires a batching TracerProvider to exporter. Tests pass
// an in-memory exporter.
func NewTracerProvider(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, error) {
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	), nil
}

// parseEndpoint accepts "http://host:port", "https://host:port" or a bare
// "host:port" and returns the host:port plus whether TLS is off.
func parseEndpoint(ep string) (string, bool, error) {
	u, err := url.Parse(ep)
	if err != nil {
		return "", false, err
	}
	if u.Host != "" {
		return u.Host, u.Scheme == "http", nil
	}
	// url.Parse reads "host:port" as scheme "host" with opaque "port".
	if u.Opaque != "" {
		return u.Scheme + ":" + u.Opaque, false, nil
	}
	if u.Path != "" {
		return u.Path, false, nil
	}
	return "", false, errors.New("empty OTLP endpoint")
}
