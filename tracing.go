package cmld

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the daemon-wide Tracer; InitTracing installs a real exporter,
// otherwise the otel no-op implementation keeps every span call a cheap
// inline no-op, which is exactly what cmld runs with if no collector
// endpoint is configured.
var tracer = otel.Tracer("github.com/cmld/cmld")

// InitTracing wires a gRPC OTLP exporter into the global TracerProvider
// (spec.md §4.2 expansion: every lifecycle phase gets a span). Callers
// get back a shutdown func to flush and close the exporter on daemon
// exit; an empty endpoint disables tracing entirely and returns a no-op
// shutdown.
func InitTracing(ctx context.Context, otlpEndpoint string) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(otlpEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("tracing: new otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", "cmld"),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer("github.com/cmld/cmld")

	return tp.Shutdown, nil
}

// startPhaseSpan opens a span for one module hook invocation during a
// compartment's lifecycle, tagged with the compartment's identity and the
// module name so a trace backend can pivot per compartment or per module
// across many concurrent starts.
func startPhaseSpan(ctx context.Context, phase, compartmentUUID, module string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "phase."+phase,
		trace.WithAttributes(
			attribute.String("cmld.compartment_uuid", compartmentUUID),
			attribute.String("cmld.module", module),
		),
	)
}
