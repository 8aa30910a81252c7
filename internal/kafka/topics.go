package kafka

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// TopicCache is the set of topics known to exist on the cluster. It is only
// ever added to; topics deleted out of band are recreated on the next miss
// of a fresh process, not this one.
type TopicCache struct {
	names *xsync.MapOf[string, struct{}]
}

// NewTopicCache creates a cache seeded with names.
func NewTopicCache(names ...string) *TopicCache {
	c := &TopicCache{names: xsync.NewMapOf[string, struct{}]()}
	for _, n := range names {
		c.Add(n)
	}
	return c
}

// Has reports whether topic is known to exist.
func (c *TopicCache) Has(topic string) bool {
	_, ok := c.names.Load(topic)
	return ok
}

// Add marks topic as existing. It reports whether the topic was new.
func (c *TopicCache) Add(topic string) bool {
	_, loaded := c.names.LoadOrStore(topic, struct{}{})
	return !loaded
}

// Len returns the number of known topics.
func (c *TopicCache) Len() int {
	return c.names.Size()
}

// Names returns the known topics in sorted order.
func (c *TopicCache) Names() []string {
	out := make([]string, 0, c.names.Size())
	c.names.Range(func(name string, _ struct{}) bool {
		out = append(out, name)
		return true
	})
	sort.Strings(out)
	return out
}
