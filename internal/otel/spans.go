package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by bridge spans and metrics.
var (
	AttrConnectionID = attribute.Key("toolbridge.connection.id")
	AttrIdentity     = attribute.Key("toolbridge.identity")
	AttrToolName     = attribute.Key("toolbridge.tool.name")
	AttrRequestID    = attribute.Key("toolbridge.tool.request_id")
	AttrMessageKind  = attribute.Key("toolbridge.message.kind")
	AttrErrorCode    = attribute.Key("toolbridge.error.code")
	AttrSeverity     = attribute.Key("toolbridge.severity")
	AttrCloseReason  = attribute.Key("toolbridge.close.reason")
)

// ExtractRemote returns ctx carrying the span context propagated in the
// upgrade request headers, if any.
func ExtractRemote(ctx context.Context, header http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
}

func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts the span covering one inbound bridge connection.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
