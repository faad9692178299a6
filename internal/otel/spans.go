package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for querygate spans and metrics.
var (
	AttrUserID       = attribute.Key("querygate.user.id")
	AttrSessionID    = attribute.Key("querygate.session.id")
	AttrOperationID  = attribute.Key("querygate.operation.id")
	AttrCheckpoint   = attribute.Key("querygate.reattach.checkpoint")
	AttrQueryID      = attribute.Key("querygate.query.id")
	AttrRunID        = attribute.Key("querygate.query.run_id")
	AttrOutcome      = attribute.Key("querygate.outcome")
	AttrRPCMethod    = attribute.Key("querygate.rpc.method")
	AttrCloseReason  = attribute.Key("querygate.session.close_reason")
	AttrResponseSent = attribute.Key("querygate.responses.sent")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
