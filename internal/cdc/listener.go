package cdc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lsm/changefeed/internal/correlation"
	"github.com/lsm/changefeed/internal/observability"
	"github.com/lsm/changefeed/internal/publish"
	"github.com/lsm/changefeed/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Observer receives resource lifecycle events from the host. Payloads are the
// host's serialized resource JSON. Implementations publish synchronously and
// return the publish error so the host can fail the originating mutation.
type Observer interface {
	OnCreated(ctx context.Context, resourceType, key string, after []byte) error
	OnUpdated(ctx context.Context, resourceType, key string, before, after []byte) error
	OnDeleted(ctx context.Context, resourceType, key string, before []byte) error
}

// Listener is the Observer that feeds a Publisher.
type Listener struct {
	publisher publish.Publisher
	namer     TopicNamer
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *observability.Metrics
}

var _ Observer = (*Listener)(nil)

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(l *Listener) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// WithMetrics enables change counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

// NewListener creates a Listener publishing to pub under namer's topics.
func NewListener(pub publish.Publisher, namer TopicNamer, opts ...Option) *Listener {
	l := &Listener{
		publisher: pub,
		namer:     namer,
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer("cdc-listener"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnCreated publishes an insert envelope.
func (l *Listener) OnCreated(ctx context.Context, resourceType, key string, after []byte) error {
	return l.capture(ctx, Envelope{ResourceType: resourceType, Key: key, After: after, Mode: Insert})
}

// OnUpdated publishes an update envelope.
func (l *Listener) OnUpdated(ctx context.Context, resourceType, key string, before, after []byte) error {
	return l.capture(ctx, Envelope{ResourceType: resourceType, Key: key, Before: before, After: after, Mode: Update})
}

// OnDeleted publishes a delete envelope carrying the last known state, then a
// tombstone for the same key. The envelope keeps the audit trail; the
// tombstone lets compaction drop the key. Both are always sent.
func (l *Listener) OnDeleted(ctx context.Context, resourceType, key string, before []byte) error {
	env := Envelope{ResourceType: resourceType, Key: key, Before: before, Mode: Delete}
	if err := l.capture(ctx, env); err != nil {
		return err
	}

	topic := l.namer.Topic(resourceType)
	l.logger.Debug("writing tombstone", "topic", topic, "key", key)
	if err := l.publisher.Delete(ctx, topic, key); err != nil {
		return fmt.Errorf("tombstone %s/%s: %w", topic, key, err)
	}
	return nil
}

func (l *Listener) capture(ctx context.Context, env Envelope) (err error) {
	ctx, span := tracing.StartSpan(ctx, l.tracer, tracing.SpanCapture,
		trace.WithAttributes(
			tracing.ResourceTypeAttr(env.ResourceType),
			tracing.ResourceKeyAttr(env.Key),
			tracing.OperationAttr(env.Mode.String()),
		),
	)
	defer func() {
		tracing.End(span, err)
		l.count(env.Mode, err)
	}()
	if id, ok := correlation.FromContext(ctx); ok {
		span.SetAttributes(tracing.CorrelationAttr(id.Value))
	}

	if err := env.Validate(); err != nil {
		return err
	}

	msg, err := l.namer.Message(env)
	if err != nil {
		return err
	}

	l.logger.Debug("publishing change",
		"resource_type", env.ResourceType,
		"key", env.Key,
		"op", env.Mode.String(),
		"topic", msg.Topic,
		"size", len(msg.Body),
	)

	if err := l.publisher.Publish(ctx, msg.Topic, msg.Key, msg.Body); err != nil {
		l.logger.Error("change publish failed",
			"resource_type", env.ResourceType,
			"key", env.Key,
			"op", env.Mode.String(),
			"error", err,
		)
		return fmt.Errorf("publish %s %s/%s: %w", env.Mode, env.ResourceType, env.Key, err)
	}
	return nil
}

func (l *Listener) count(mode Mode, err error) {
	if l.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	l.metrics.ChangesTotal.WithLabelValues(mode.String(), status).Inc()
}
