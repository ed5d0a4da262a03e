// Package tracing wires up optional OpenTelemetry spans around the router's
// dial-and-select step and the full proxy connection lifetime, adapted from
// the teacher's internal/observability/tracing.go. There are no HTTP headers
// to propagate trace context through here — this gateway never looks past
// TCP — so only the exporter/provider/span-start plumbing survives.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftlabs/vipgate/pkg/xlog"
)

const serviceName = "vipgate"

var (
	tracer   trace.Tracer
	provider *tracesdk.TracerProvider
)

// Init starts the Jaeger exporter and installs the global tracer provider.
// An empty jaegerEndpoint leaves tracing disabled: Start then returns no-op
// spans, so callers never need to branch on whether tracing is configured.
func Init(jaegerEndpoint string) error {
	if jaegerEndpoint == "" {
		return nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return err
	}

	provider = tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = otel.Tracer(serviceName)
	xlog.Infof("tracing: exporting spans to %s", jaegerEndpoint)
	return nil
}

// Start begins a span, falling back to the global (no-op when Init wasn't
// called) tracer.
func Start(ctx context.Context, name string) (context.Context, trace.Span) {
	if tracer == nil {
		return otel.Tracer(serviceName).Start(ctx, name)
	}
	return tracer.Start(ctx, name)
}

// Shutdown flushes any pending spans. A nil provider (tracing was never
// enabled) makes this a no-op.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
