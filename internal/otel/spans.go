package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for control-plane spans.
var (
	AttrRunID        = attribute.Key("runplane.run.id")
	AttrAction       = attribute.Key("runplane.control.action")
	AttrRequestID    = attribute.Key("runplane.confirmation.request_id")
	AttrQuestionID   = attribute.Key("runplane.question.id")
	AttrEndpoint     = attribute.Key("runplane.http.endpoint")
	AttrCredential   = attribute.Key("runplane.auth.kind")
	AttrChildRunID   = attribute.Key("runplane.forward.child_run_id")
	AttrForwardError = attribute.Key("runplane.forward.error")
)

// StartServerSpan starts a span for an inbound control request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound child-forwarding call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
