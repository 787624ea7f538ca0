package observability

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by every span.
const TracerName = "coverledger"

// TracingConfig configures the OTLP/HTTP exporter.
type TracingConfig struct {
	ServiceName string
	Endpoint    string // host:port; empty disables export
	Insecure    bool
}

// InitTracer installs a global tracer provider exporting over OTLP/HTTP and
// returns its shutdown. With no endpoint the global no-op provider stays.
func InitTracer(ctx context.Context, cfg TracingConfig, logger zerolog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info().Msg("tracing disabled: no endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes("", attribute.String("service.name", cfg.ServiceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info().Str("endpoint", cfg.Endpoint).Msg("tracing enabled")
	return tp.Shutdown, nil
}

// Tracer returns the scoped tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
