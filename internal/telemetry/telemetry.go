package telemetry

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup installs the global tracer provider. Spans are exported over
// OTLP/HTTP when endpoint is set and dropped otherwise. The returned
// function flushes pending spans and must run before the process exits.
func Setup(ctx context.Context, service, endpoint string, log zerolog.Logger) (func(context.Context) error, error) {
	res := resource.NewSchemaless(attribute.String("service.name", service))

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		host, insecure := normalizeEndpoint(endpoint)
		traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
		if insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return nil, err
		}
		// Lambda freezes between invocations, so spans are exported as they end.
		opts = append(opts, sdktrace.WithSyncer(exporter))
		log.Info().Str("endpoint", host).Msg("trace export enabled")
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown tracer provider")
			return err
		}
		return nil
	}, nil
}

// normalizeEndpoint accepts "collector:4318" as well as full http(s) URLs.
func normalizeEndpoint(raw string) (string, bool) {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "https://"), "/"), false
	case strings.HasPrefix(raw, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "http://"), "/"), true
	default:
		return strings.TrimSuffix(raw, "/"), true
	}
}
