package cdc

import (
	"github.com/lsm/changefeed/internal/publish"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "FHIRCDC"

// TopicNamer maps a resource type to its CDC topic. The prefix is fixed at
// construction, so the mapping is stable for the life of the process.
type TopicNamer struct {
	prefix string
}

// NewTopicNamer returns a namer for prefix, or DefaultTopicPrefix when empty.
func NewTopicNamer(prefix string) TopicNamer {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return TopicNamer{prefix: prefix}
}

// Prefix returns the configured prefix.
func (n TopicNamer) Prefix() string {
	if n.prefix == "" {
		return DefaultTopicPrefix
	}
	return n.prefix
}

// Topic returns "<prefix>-<resourceType>".
func (n TopicNamer) Topic(resourceType string) string {
	return n.Prefix() + "-" + resourceType
}

// Message encodes env and addresses it to the envelope's resource-type topic.
func (n TopicNamer) Message(env Envelope) (publish.Message, error) {
	body, err := env.Encode()
	if err != nil {
		return publish.Message{}, err
	}
	return publish.Message{Topic: n.Topic(env.ResourceType), Key: env.Key, Body: body}, nil
}
