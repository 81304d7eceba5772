package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mnegacz/querybus"
	"github.com/mnegacz/querybus/query"
)

// tracerName is the instrumentation scope name for query bus tracing.
const tracerName = "github.com/mnegacz/querybus"

// TracingInterceptor returns a handler interceptor that wraps each handler
// invocation in an OpenTelemetry span using the global TracerProvider.
// Without a configured provider the noop tracer is used and the interceptor
// is a pass-through with zero overhead.
//
// Span attributes: querybus.query.id, querybus.query.name,
// querybus.response_type. On error, the span status is set to codes.Error
// with the error message.
func TracingInterceptor() querybus.HandlerInterceptor {
	return TracingInterceptorWithTracer(otel.Tracer(tracerName))
}

// TracingInterceptorWithTracer returns a tracing interceptor using the
// provided tracer. This variant allows injecting a specific TracerProvider
// for testing or when multiple providers are in use.
func TracingInterceptorWithTracer(tracer trace.Tracer) querybus.HandlerInterceptor {
	return func(ctx context.Context, msg *query.Message, next querybus.HandlerFunc) (any, error) {
		ctx, span := tracer.Start(ctx, "querybus.query.handle",
			trace.WithAttributes(
				attribute.String("querybus.query.id", msg.ID()),
				attribute.String("querybus.query.name", msg.Name()),
				attribute.String("querybus.response_type", msg.ResponseType().String()),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		result, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return result, err
	}
}
