// Package publish defines the contract shared by every CDC message producer.
package publish

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrNilPayload is returned by Publish when the payload is nil.
// Tombstones must go through Delete.
var ErrNilPayload = errors.New("publish: nil payload, use Delete for tombstones")

// Message is a single record addressed to a topic. A nil Body is a tombstone.
type Message struct {
	Topic string
	Key   string
	Body  []byte
}

// Tombstone reports whether the message is a null-bodied deletion marker.
func (m Message) Tombstone() bool {
	return m.Body == nil
}

// Publisher delivers CDC messages to a broker.
type Publisher interface {
	// Publish sends one message and blocks until the broker acknowledges it.
	Publish(ctx context.Context, topic, key string, payload []byte) error

	// PublishAll sends messages in order. All sends are issued before any
	// acknowledgement is awaited; the call blocks on the last one only.
	PublishAll(ctx context.Context, messages []Message) error

	// Delete sends a tombstone for key and blocks until acknowledged.
	Delete(ctx context.Context, topic, key string) error

	// UpdateCount returns the cumulative number of published messages.
	UpdateCount() int64

	// DeleteCount returns the cumulative number of tombstones.
	DeleteCount() int64
}

// Counters tracks publish and delete calls. The zero value is ready to use.
type Counters struct {
	updates atomic.Int64
	deletes atomic.Int64
}

// AddUpdates records n published messages.
func (c *Counters) AddUpdates(n int) {
	c.updates.Add(int64(n))
}

// AddDelete records one tombstone.
func (c *Counters) AddDelete() {
	c.deletes.Add(1)
}

// Updates returns the update counter.
func (c *Counters) Updates() int64 {
	return c.updates.Load()
}

// Deletes returns the delete counter.
func (c *Counters) Deletes() int64 {
	return c.deletes.Load()
}
