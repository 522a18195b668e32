// Package tracing provides OpenTelemetry span and attribute helpers shared
// across the connection engine.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "jmap-connection-core"

// RequestID returns the request_id span attribute.
func RequestID(id string) attribute.KeyValue {
	return attribute.String("request_id", id)
}

// AccountID returns the account_id span attribute.
func AccountID(id string) attribute.KeyValue {
	return attribute.String("account_id", id)
}

// DataGroup returns the data_group span attribute (e.g. "urn:ietf:params:jmap:mail").
func DataGroup(group string) attribute.KeyValue {
	return attribute.String("data_group", group)
}

// Function returns the function span attribute, naming the component that
// opened the span.
func Function(name string) attribute.KeyValue {
	return attribute.String("function", name)
}

// JMAPMethod returns the jmap.method span attribute.
func JMAPMethod(name string) attribute.KeyValue {
	return attribute.String("jmap.method", name)
}

// JMAPClientID returns the jmap.client_id span attribute.
func JMAPClientID(id string) attribute.KeyValue {
	return attribute.String("jmap.client_id", id)
}

// JMAPCallIndex returns the jmap.call_index span attribute.
func JMAPCallIndex(index int) attribute.KeyValue {
	return attribute.Int("jmap.call_index", index)
}

// PageIndex returns the jmap.page_index span attribute, identifying which
// page of a paginated batch a span belongs to.
func PageIndex(index int) attribute.KeyValue {
	return attribute.Int("jmap.page_index", index)
}

// StartHandlerSpan starts a span named after a top-level operation (e.g. a
// response handler or store-adaptor call) with the given attributes attached.
func StartHandlerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// StartMethodSpan starts a span for the dispatch of a single JMAP method call.
func StartMethodSpan(ctx context.Context, dataGroup, method, clientID string, callIndex int) (context.Context, trace.Span) {
	return StartHandlerSpan(ctx, "JMAP Method",
		DataGroup(dataGroup),
		JMAPMethod(method),
		JMAPClientID(clientID),
		JMAPCallIndex(callIndex),
	)
}

// StartRequestSpan starts a span around one HTTP round trip of a (possibly
// paginated) batch request.
func StartRequestSpan(ctx context.Context, dataGroup string, pageIndex, callCount int) (context.Context, trace.Span) {
	return StartHandlerSpan(ctx, "Connection.send",
		DataGroup(dataGroup),
		PageIndex(pageIndex),
		attribute.Int("jmap.call_count", callCount),
	)
}

// RecordError records err on span and marks the span's status as an error.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
