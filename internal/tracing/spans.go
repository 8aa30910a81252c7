package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrResourceType  = "changefeed.resource_type"
	AttrResourceKey   = "changefeed.resource_key"
	AttrOperation     = "changefeed.op"
	AttrCorrelationID = "changefeed.correlation_id"
	AttrSnapshotRunID = "changefeed.snapshot.run_id"
	AttrBatchSize     = "messaging.batch.message_count"
	AttrKafkaTopic    = "messaging.kafka.topic"
	AttrHTTPTarget    = "http.target"
)

// Span names.
const (
	SpanCapture        = "cdc.capture"
	SpanKafkaPublish   = "kafka.publish"
	SpanKafkaBatch     = "kafka.publish_batch"
	SpanKafkaTombstone = "kafka.tombstone"
	SpanCreateTopic    = "kafka.create_topic"
	SpanSnapshot       = "snapshot.export"
	SpanSnapshotType   = "snapshot.type"
	SpanHostFetch      = "host.fetch"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, the span already in ctx is returned unchanged.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// End records err on the span (if any), sets the status, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		SetSpanError(span, err)
	} else {
		SetSpanOK(span)
	}
	span.End()
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func ResourceTypeAttr(name string) attribute.KeyValue {
	return attribute.String(AttrResourceType, name)
}

func ResourceKeyAttr(key string) attribute.KeyValue {
	return attribute.String(AttrResourceKey, key)
}

func OperationAttr(op string) attribute.KeyValue {
	return attribute.String(AttrOperation, op)
}

func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

func SnapshotRunAttr(id string) attribute.KeyValue {
	return attribute.String(AttrSnapshotRunID, id)
}

func BatchSizeAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}
