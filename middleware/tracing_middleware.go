package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wsrpc/message"
)

// TracerName is the instrumentation name used when no tracer is supplied.
const TracerName = "wsrpc"

// TracingMiddleware opens a server span around each request. A nil tracer
// resolves TracerName from the global provider, so spans are no-ops until
// the host installs one with otel.SetTracerProvider.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, span := tracer.Start(ctx, "wsrpc "+req.Name,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.system", "wsrpc"),
					attribute.String("rpc.method", req.Name),
					attribute.String("wsrpc.call_id", req.CallID),
					attribute.Int("wsrpc.args", len(req.Args)),
				),
			)
			defer span.End()

			resp := next(ctx, req)
			if resp == nil || resp.HasError() {
				span.SetStatus(codes.Error, errorText(resp))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return resp
		}
	}
}

func errorText(resp *message.Envelope) string {
	if resp == nil {
		return "no response"
	}
	return string(resp.Error)
}
