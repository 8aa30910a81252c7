package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lsm/changefeed/internal/observability"
	"github.com/lsm/changefeed/internal/publish"
	"github.com/lsm/changefeed/internal/tracing"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultReplicationFactor lets the broker pick the replication factor.
const DefaultReplicationFactor int16 = -1

// producer abstracts the kgo client methods used by the publisher.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// topicAdmin abstracts the kadm client methods used for provisioning.
type topicAdmin interface {
	ListTopics(ctx context.Context, topics ...string) (kadm.TopicDetails, error)
	CreateTopic(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error)
}

// Publisher writes CDC messages to Kafka. Topics are created on first use as
// compacted single-partition topics.
type Publisher struct {
	client            producer
	admin             topicAdmin
	topics            *TopicCache
	counters          publish.Counters
	replicationFactor int16
	logger            *slog.Logger
	tracer            trace.Tracer
	metrics           *observability.Metrics
}

var _ publish.Publisher = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Publisher) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithMetrics enables publish metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithTopicCache replaces the topic cache. The cache is still seeded from the
// cluster by NewPublisher.
func WithTopicCache(c *TopicCache) Option {
	return func(p *Publisher) {
		if c != nil {
			p.topics = c
		}
	}
}

// WithReplicationFactor sets the replication factor for created topics.
func WithReplicationFactor(rf int16) Option {
	return func(p *Publisher) {
		if rf == 0 {
			rf = DefaultReplicationFactor
		}
		p.replicationFactor = rf
	}
}

// NewPublisher connects to the cluster and seeds the topic cache from the
// broker's current topic list.
func NewPublisher(ctx context.Context, cfg *ClusterConfig, opts ...Option) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka config: %w", err)
	}

	kopts, err := ProducerOptions(cfg)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	p := newPublisher(client, kadm.NewClient(client), opts...)
	if err := p.loadTopics(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return p, nil
}

func newPublisher(client producer, admin topicAdmin, opts ...Option) *Publisher {
	p := &Publisher{
		client:            client,
		admin:             admin,
		topics:            NewTopicCache(),
		replicationFactor: DefaultReplicationFactor,
		logger:            slog.Default(),
		tracer:            noop.NewTracerProvider().Tracer("kafka-publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) loadTopics(ctx context.Context) error {
	details, err := p.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	for name, d := range details {
		if d.IsInternal {
			continue
		}
		p.topics.Add(name)
	}
	p.logger.Info("topic cache seeded", "topics", p.topics.Len())
	return nil
}

// Topics returns the topic cache.
func (p *Publisher) Topics() *TopicCache {
	return p.topics
}

// Publish sends one message and waits for the acknowledgement.
func (p *Publisher) Publish(ctx context.Context, topic, key string, payload []byte) (err error) {
	if payload == nil {
		return publish.ErrNilPayload
	}
	p.counters.AddUpdates(1)

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanKafkaPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(tracing.KafkaTopicAttr(topic), tracing.ResourceKeyAttr(key)),
	)
	defer func() { tracing.End(span, err) }()

	if err := p.ensureTopic(ctx, topic); err != nil {
		p.recordError("publish")
		return err
	}

	start := time.Now()
	if err := p.client.ProduceSync(ctx, record(topic, key, payload)).FirstErr(); err != nil {
		p.recordError("publish")
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	p.observe("publish", start)
	if p.metrics != nil {
		p.metrics.MessagesPublished.WithLabelValues(topic).Inc()
	}
	return nil
}

// PublishAll sends every message without waiting in between, then waits for
// the last one. Records are produced in input order, so the last
// acknowledgement implies the earlier ones were handled. The first error
// reported by any record is returned.
func (p *Publisher) PublishAll(ctx context.Context, messages []publish.Message) (err error) {
	if len(messages) == 0 {
		return nil
	}
	p.counters.AddUpdates(len(messages))

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanKafkaBatch,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(tracing.BatchSizeAttr(len(messages))),
	)
	defer func() { tracing.End(span, err) }()

	for _, m := range messages {
		if err := p.ensureTopic(ctx, m.Topic); err != nil {
			p.recordError("publish_batch")
			return err
		}
	}

	var (
		mu       sync.Mutex
		firstErr error
		last     = make(chan error, 1)
	)
	start := time.Now()
	for i, m := range messages {
		isLast := i == len(messages)-1
		p.client.Produce(ctx, record(m.Topic, m.Key, m.Body), func(r *kgo.Record, err error) {
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("kafka publish to %s: %w", r.Topic, err)
				}
				mu.Unlock()
			} else if p.metrics != nil {
				p.metrics.MessagesPublished.WithLabelValues(r.Topic).Inc()
			}
			if isLast {
				last <- err
			}
		})
	}

	select {
	case <-last:
	case <-ctx.Done():
		p.recordError("publish_batch")
		return ctx.Err()
	}

	mu.Lock()
	err = firstErr
	mu.Unlock()
	if err != nil {
		p.recordError("publish_batch")
		return err
	}
	p.observe("publish_batch", start)
	return nil
}

// Delete writes a tombstone for key and waits for the acknowledgement.
func (p *Publisher) Delete(ctx context.Context, topic, key string) (err error) {
	p.counters.AddDelete()

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanKafkaTombstone,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(tracing.KafkaTopicAttr(topic), tracing.ResourceKeyAttr(key)),
	)
	defer func() { tracing.End(span, err) }()

	if err := p.ensureTopic(ctx, topic); err != nil {
		p.recordError("delete")
		return err
	}

	start := time.Now()
	if err := p.client.ProduceSync(ctx, record(topic, key, nil)).FirstErr(); err != nil {
		p.recordError("delete")
		return fmt.Errorf("kafka tombstone to %s: %w", topic, err)
	}
	p.observe("delete", start)
	if p.metrics != nil {
		p.metrics.TombstonesTotal.WithLabelValues(topic).Inc()
	}
	return nil
}

// UpdateCount returns the number of messages accepted by Publish and PublishAll.
func (p *Publisher) UpdateCount() int64 {
	return p.counters.Updates()
}

// DeleteCount returns the number of tombstones accepted by Delete.
func (p *Publisher) DeleteCount() int64 {
	return p.counters.Deletes()
}

// Close closes the client. Every Publish, PublishAll and Delete has already
// waited for its acknowledgement, so nothing is left buffered.
func (p *Publisher) Close() {
	p.client.Close()
}

// Ping checks the cluster is reachable by listing topics.
func (p *Publisher) Ping(ctx context.Context) error {
	if _, err := p.admin.ListTopics(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}

// ensureTopic creates topic as a compacted single-partition topic unless it
// is already cached. A concurrent creator winning the race is not an error.
func (p *Publisher) ensureTopic(ctx context.Context, topic string) (err error) {
	if p.topics.Has(topic) {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanCreateTopic,
		trace.WithAttributes(tracing.KafkaTopicAttr(topic)),
	)
	defer func() { tracing.End(span, err) }()

	configs := map[string]*string{
		"cleanup.policy": kadm.StringPtr("compact"),
	}
	resp, err := p.admin.CreateTopic(ctx, 1, p.replicationFactor, configs, topic)
	if err == nil {
		err = resp.Err
	}
	switch {
	case err == nil:
		p.logger.Info("created topic", "topic", topic, "replication_factor", p.replicationFactor)
		if p.metrics != nil {
			p.metrics.TopicsCreated.Inc()
		}
	case errors.Is(err, kerr.TopicAlreadyExists):
		p.logger.Debug("topic already exists", "topic", topic)
	default:
		return fmt.Errorf("create topic %s: %w", topic, err)
	}

	p.topics.Add(topic)
	return nil
}

func (p *Publisher) recordError(operation string) {
	if p.metrics != nil {
		p.metrics.PublishErrors.WithLabelValues(operation).Inc()
	}
}

func (p *Publisher) observe(operation string, start time.Time) {
	if p.metrics != nil {
		p.metrics.PublishDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func record(topic, key string, value []byte) *kgo.Record {
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
}
