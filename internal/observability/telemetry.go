// Package observability wires the OpenTelemetry tracer provider and the
// service's Prometheus metrics, generalizing the teacher's
// observability.InitTelemetry and eventbus.MetricsExporter to the marker
// fan-out service's own counters (§4 ambient stack).
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/annel0/mmo-game/internal/logging"
)

// InitTelemetry configures the OTLP/HTTP exporter (default localhost:4318)
// and installs the global TracerProvider. The returned shutdown func must
// be called during graceful shutdown.
func InitTelemetry(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	logging.Info("telemetry: OpenTelemetry initialized (OTLP -> 4318, service=%s)", serviceName)

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}
	return shutdown, nil
}
