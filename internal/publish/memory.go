package publish

import (
	"context"
	"log/slog"
	"sync"
)

// Memory is a Publisher that keeps every message in process memory, in the
// order it was accepted. Used when no broker is configured and in tests.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	counters Counters
	logger   *slog.Logger

	// Err, when set, is returned by every operation and nothing is recorded.
	Err error
}

// NewMemory creates an empty in-memory publisher.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("using in-memory publisher, messages are not durable")
	return &Memory{logger: logger}
}

// Publish records one message.
func (m *Memory) Publish(_ context.Context, topic, key string, payload []byte) error {
	if payload == nil {
		return ErrNilPayload
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	m.messages = append(m.messages, Message{Topic: topic, Key: key, Body: payload})
	m.counters.AddUpdates(1)
	return nil
}

// PublishAll records the batch in input order.
func (m *Memory) PublishAll(_ context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	m.messages = append(m.messages, messages...)
	m.counters.AddUpdates(len(messages))
	return nil
}

// Delete records a tombstone.
func (m *Memory) Delete(_ context.Context, topic, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	m.messages = append(m.messages, Message{Topic: topic, Key: key})
	m.counters.AddDelete()
	return nil
}

// UpdateCount returns the number of non-tombstone messages accepted.
func (m *Memory) UpdateCount() int64 {
	return m.counters.Updates()
}

// DeleteCount returns the number of tombstones accepted.
func (m *Memory) DeleteCount() int64 {
	return m.counters.Deletes()
}

// Messages returns a copy of everything recorded so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Topic returns the recorded messages addressed to topic.
func (m *Memory) Topic(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Message
	for _, msg := range m.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}
