// Package cdc turns resource lifecycle events into change envelopes and hands
// them to a publish.Publisher.
//
// Every message body on a CDC topic has the shape
//
//	{"before": <resource json|null>, "after": <resource json|null>, "op": "c"|"u"|"d"|"r"}
//
// whether it came from a live mutation or from a snapshot replay.
package cdc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Mode is the kind of change an envelope describes.
type Mode uint8

const (
	Snapshot Mode = iota
	Insert
	Update
	Delete
)

// String returns the one-letter wire code.
func (m Mode) String() string {
	switch m {
	case Snapshot:
		return "r"
	case Insert:
		return "c"
	case Update:
		return "u"
	case Delete:
		return "d"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Valid reports whether m is one of the four defined modes.
func (m Mode) Valid() bool {
	return m <= Delete
}

// ParseMode maps a wire code back to its Mode.
func ParseMode(code string) (Mode, error) {
	switch code {
	case "r":
		return Snapshot, nil
	case "c":
		return Insert, nil
	case "u":
		return Update, nil
	case "d":
		return Delete, nil
	default:
		return 0, fmt.Errorf("unknown op code %q", code)
	}
}

// ErrInvalidEnvelope is returned when an envelope's states contradict its mode.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is a single change before it is serialized.
// An empty Before or After means the state is absent.
type Envelope struct {
	ResourceType string
	Key          string
	Before       []byte
	After        []byte
	Mode         Mode
}

// Validate checks the states against the mode. Insert and Snapshot carry no
// prior state, Delete carries no new state, and every mode except Delete
// needs a new state that is a JSON value other than null. A missing or
// malformed prior state on Update or Delete is tolerated and encodes as null.
func (e Envelope) Validate() error {
	if !e.Mode.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidEnvelope, e.Mode)
	}
	if e.ResourceType == "" {
		return fmt.Errorf("%w: resource type is required", ErrInvalidEnvelope)
	}
	if e.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidEnvelope)
	}

	switch e.Mode {
	case Insert, Snapshot:
		if len(e.Before) > 0 {
			return fmt.Errorf("%w: op %s must not carry a before state", ErrInvalidEnvelope, e.Mode)
		}
		if state(e.After) == nil {
			return fmt.Errorf("%w: op %s requires a JSON after state", ErrInvalidEnvelope, e.Mode)
		}
	case Update:
		if state(e.After) == nil {
			return fmt.Errorf("%w: op %s requires a JSON after state", ErrInvalidEnvelope, e.Mode)
		}
	case Delete:
		if state(e.After) != nil {
			return fmt.Errorf("%w: op %s must not carry an after state", ErrInvalidEnvelope, e.Mode)
		}
	}
	return nil
}

// wireEnvelope fixes the field order of the encoded body.
type wireEnvelope struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
	Op     string          `json:"op"`
}

// Encode serializes the envelope into its wire body. States are embedded as
// JSON values; anything that is absent or not valid JSON becomes null.
func (e Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(wireEnvelope{
		Before: state(e.Before),
		After:  state(e.After),
		Op:     e.Mode.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope for %s/%s: %w", e.Mode, e.ResourceType, e.Key, err)
	}
	return body, nil
}

// state returns b as a JSON value, or nil when b is blank, not JSON, or null.
func state(b []byte) json.RawMessage {
	if len(bytes.TrimSpace(b)) == 0 || !json.Valid(b) || string(bytes.TrimSpace(b)) == "null" {
		return nil
	}
	return json.RawMessage(b)
}
