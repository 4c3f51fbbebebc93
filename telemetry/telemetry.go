// Package telemetry wraps publisher writes (publisher.emit) in OpenTelemetry
// spans, exported to stdout by default; picker selections are not traced. A global tracer
// provider gated by an enabled flag, with a no-op StartSpan when tracing
// is off.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const tracerName = "orbit-rpc"

var enabled bool

// Setup configures a global tracer provider when enable is true, exporting
// spans to stdout. It returns a shutdown function that should be deferred by
// the caller (typically cmd/orbitd).
func Setup(enable bool) (func(context.Context) error, error) {
	enabled = enable
	if !enable {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan starts a span named name if tracing is enabled, returning the
// derived context and an End function. When tracing is disabled both are
// no-ops, so call sites don't need their own enabled check.
func StartSpan(ctx context.Context, name string) (context.Context, func()) {
	if !enabled {
		return ctx, func() {}
	}
	tr := otel.Tracer(tracerName)
	ctx, span := tr.Start(ctx, name)
	return ctx, func() { span.End() }
}
