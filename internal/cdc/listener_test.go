package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/lsm/changefeed/internal/observability"
	"github.com/lsm/changefeed/internal/publish"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// call is one recorded publisher invocation.
type call struct {
	method string
	topic  string
	key    string
	body   []byte
}

// recordingPublisher records calls and can fail a chosen method.
type recordingPublisher struct {
	mu       sync.Mutex
	calls    []call
	failOn   string
	err      error
	counters publish.Counters
}

func (r *recordingPublisher) record(c call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn == c.method {
		return r.err
	}
	r.calls = append(r.calls, c)
	return nil
}

func (r *recordingPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	if err := r.record(call{method: "publish", topic: topic, key: key, body: payload}); err != nil {
		return err
	}
	r.counters.AddUpdates(1)
	return nil
}

func (r *recordingPublisher) PublishAll(_ context.Context, messages []publish.Message) error {
	for _, m := range messages {
		if err := r.record(call{method: "publishAll", topic: m.Topic, key: m.Key, body: m.Body}); err != nil {
			return err
		}
	}
	r.counters.AddUpdates(len(messages))
	return nil
}

func (r *recordingPublisher) Delete(_ context.Context, topic, key string) error {
	if err := r.record(call{method: "delete", topic: topic, key: key}); err != nil {
		return err
	}
	r.counters.AddDelete()
	return nil
}

func (r *recordingPublisher) UpdateCount() int64 { return r.counters.Updates() }
func (r *recordingPublisher) DeleteCount() int64 { return r.counters.Deletes() }

type body struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
	Op     string          `json:"op"`
}

func decode(t *testing.T, b []byte) body {
	t.Helper()
	var out body
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode body: %v\n%s", err, b)
	}
	return out
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

func TestListener_OnCreated(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewListener(pub, NewTopicNamer(""))

	err := l.OnCreated(context.Background(), "Patient", "123", []byte(`{"resourceType":"Patient","id":"123"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(pub.calls))
	}
	c := pub.calls[0]
	if c.method != "publish" || c.topic != "FHIRCDC-Patient" || c.key != "123" {
		t.Errorf("unexpected call: %+v", c)
	}
	b := decode(t, c.body)
	if !isNull(b.Before) {
		t.Errorf("expected null before, got %s", b.Before)
	}
	if isNull(b.After) {
		t.Error("expected non-null after")
	}
	if b.Op != "c" {
		t.Errorf("expected op c, got %s", b.Op)
	}
}

func TestListener_OnUpdated(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewListener(pub, NewTopicNamer(""))

	err := l.OnUpdated(context.Background(), "Patient", "123",
		[]byte(`{"id":"123","name":"John"}`),
		[]byte(`{"id":"123","name":"Jane"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(pub.calls))
	}
	b := decode(t, pub.calls[0].body)
	if isNull(b.Before) || isNull(b.After) {
		t.Errorf("expected both states, got before=%s after=%s", b.Before, b.After)
	}
	if b.Op != "u" {
		t.Errorf("expected op u, got %s", b.Op)
	}
}

func TestListener_OnDeleted_DualSignal(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewListener(pub, NewTopicNamer(""))

	err := l.OnDeleted(context.Background(), "Patient", "123", []byte(`{"id":"123"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(pub.calls))
	}

	envelope, tombstone := pub.calls[0], pub.calls[1]
	if envelope.method != "publish" {
		t.Errorf("expected envelope publish first, got %s", envelope.method)
	}
	b := decode(t, envelope.body)
	if b.Op != "d" || !isNull(b.After) || isNull(b.Before) {
		t.Errorf("unexpected delete envelope: %+v", b)
	}

	if tombstone.method != "delete" || tombstone.body != nil {
		t.Errorf("expected tombstone, got %+v", tombstone)
	}
	if tombstone.topic != envelope.topic || tombstone.key != envelope.key {
		t.Errorf("tombstone addressed to %s/%s, envelope to %s/%s",
			tombstone.topic, tombstone.key, envelope.topic, envelope.key)
	}
	if pub.UpdateCount() != 1 || pub.DeleteCount() != 1 {
		t.Errorf("expected counts 1/1, got %d/%d", pub.UpdateCount(), pub.DeleteCount())
	}
}

func TestListener_OnDeleted_EnvelopeFailureSkipsTombstone(t *testing.T) {
	pub := &recordingPublisher{failOn: "publish", err: errors.New("broker unavailable")}
	l := NewListener(pub, NewTopicNamer(""))

	err := l.OnDeleted(context.Background(), "Patient", "1", []byte(`{"id":"1"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(pub.calls) != 0 {
		t.Errorf("expected no successful calls, got %+v", pub.calls)
	}
}

func TestListener_OnDeleted_TombstoneFailurePropagates(t *testing.T) {
	boom := errors.New("ack timeout")
	pub := &recordingPublisher{failOn: "delete", err: boom}
	l := NewListener(pub, NewTopicNamer(""))

	err := l.OnDeleted(context.Background(), "Patient", "1", []byte(`{"id":"1"}`))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped tombstone error, got %v", err)
	}
}

func TestListener_PublishErrorPropagates(t *testing.T) {
	boom := errors.New("broker unavailable")
	pub := &recordingPublisher{failOn: "publish", err: boom}
	l := NewListener(pub, NewTopicNamer(""))

	if err := l.OnCreated(context.Background(), "Patient", "1", []byte(`{}`)); !errors.Is(err, boom) {
		t.Errorf("OnCreated: expected %v, got %v", boom, err)
	}
	if err := l.OnUpdated(context.Background(), "Patient", "1", []byte(`{}`), []byte(`{}`)); !errors.Is(err, boom) {
		t.Errorf("OnUpdated: expected %v, got %v", boom, err)
	}
}

func TestListener_MissingAfterIsInvalid(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewListener(pub, NewTopicNamer(""))

	err := l.OnCreated(context.Background(), "Patient", "1", nil)
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
	if len(pub.calls) != 0 {
		t.Error("invalid envelope must not be published")
	}
}

func TestListener_NonJSONAfterIsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		after []byte
		call  func(l *Listener, after []byte) error
	}{
		{"create null", []byte("null"), func(l *Listener, after []byte) error {
			return l.OnCreated(context.Background(), "Patient", "1", after)
		}},
		{"create malformed", []byte("{not json"), func(l *Listener, after []byte) error {
			return l.OnCreated(context.Background(), "Patient", "1", after)
		}},
		{"update null", []byte("null"), func(l *Listener, after []byte) error {
			return l.OnUpdated(context.Background(), "Patient", "1", []byte(`{"id":"1"}`), after)
		}},
		{"update malformed", []byte("{not json"), func(l *Listener, after []byte) error {
			return l.OnUpdated(context.Background(), "Patient", "1", []byte(`{"id":"1"}`), after)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			l := NewListener(pub, NewTopicNamer(""))

			if err := tt.call(l, tt.after); !errors.Is(err, ErrInvalidEnvelope) {
				t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
			}
			if len(pub.calls) != 0 {
				t.Errorf("invalid envelope published %d messages", len(pub.calls))
			}
		})
	}
}

func TestListener_MalformedBeforeBecomesNull(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewListener(pub, NewTopicNamer(""))

	err := l.OnUpdated(context.Background(), "Patient", "1", []byte(`<xml/>`), []byte(`{"id":"1"}`))
	if err != nil {
		t.Fatalf("malformed prior state must not fail: %v", err)
	}
	if b := decode(t, pub.calls[0].body); !isNull(b.Before) {
		t.Errorf("expected null before, got %s", b.Before)
	}
}

func TestListener_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	pub := &recordingPublisher{}
	l := NewListener(pub, NewTopicNamer(""), WithMetrics(m), WithLogger(slog.Default()))

	_ = l.OnCreated(context.Background(), "Patient", "1", []byte(`{}`))
	_ = l.OnCreated(context.Background(), "Patient", "2", nil)

	if got := testutil.ToFloat64(m.ChangesTotal.WithLabelValues("c", "success")); got != 1 {
		t.Errorf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.ChangesTotal.WithLabelValues("c", "error")); got != 1 {
		t.Errorf("expected 1 error, got %v", got)
	}
}

// The create/update/delete walkthrough for a single patient.
func TestListener_PatientLifecycle(t *testing.T) {
	mem := publish.NewMemory(nil)
	l := NewListener(mem, NewTopicNamer(""))
	ctx := context.Background()

	created := []byte(`{"resourceType":"Patient","id":"123","name":"John Doe"}`)
	updated := []byte(`{"resourceType":"Patient","id":"123","name":"Jane Doe"}`)

	if err := l.OnCreated(ctx, "Patient", "123", created); err != nil {
		t.Fatalf("create: %v", err)
	}
	msgs := mem.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after create, got %d", len(msgs))
	}
	var first struct {
		Before json.RawMessage `json:"before"`
		After  struct {
			ID string `json:"id"`
		} `json:"after"`
	}
	if err := json.Unmarshal(msgs[0].Body, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !isNull(first.Before) || first.After.ID != "123" {
		t.Errorf("unexpected create message: before=%s after.id=%s", first.Before, first.After.ID)
	}

	if err := l.OnUpdated(ctx, "Patient", "123", created, updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	msgs = mem.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after update, got %d", len(msgs))
	}
	var second struct {
		Before struct {
			Name string `json:"name"`
		} `json:"before"`
		After struct {
			Name string `json:"name"`
		} `json:"after"`
	}
	if err := json.Unmarshal(msgs[1].Body, &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.Before.Name == "" || second.After.Name == "" || second.Before.Name == second.After.Name {
		t.Errorf("expected differing names, got before=%q after=%q", second.Before.Name, second.After.Name)
	}

	if err := l.OnDeleted(ctx, "Patient", "123", updated); err != nil {
		t.Fatalf("delete: %v", err)
	}
	msgs = mem.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages after delete, got %d", len(msgs))
	}
	third := decode(t, msgs[2].Body)
	if third.Op != "d" || !isNull(third.After) {
		t.Errorf("unexpected delete envelope: %+v", third)
	}
	if !msgs[3].Tombstone() || msgs[3].Key != "123" || msgs[3].Topic != "FHIRCDC-Patient" {
		t.Errorf("expected tombstone for FHIRCDC-Patient/123, got %+v", msgs[3])
	}
}
