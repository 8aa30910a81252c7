// Package catalog holds the set of resource types the host can enumerate.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrEmpty is returned when a catalog file lists no resource types.
var ErrEmpty = errors.New("catalog: no resource types")

// Provider returns the catalog in effect right now.
type Provider interface {
	Current() *Catalog
}

// Catalog is an immutable, sorted, duplicate-free list of resource type names.
type Catalog struct {
	names []string
	index map[string]struct{}
}

var _ Provider = (*Catalog)(nil)

// New builds a catalog from names. Blank entries are dropped, surrounding
// whitespace is trimmed and duplicates are collapsed.
func New(names []string) *Catalog {
	c := &Catalog{index: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := c.index[n]; ok {
			continue
		}
		c.index[n] = struct{}{}
		c.names = append(c.names, n)
	}
	sort.Strings(c.names)
	return c
}

// Current returns c, so a fixed catalog satisfies Provider.
func (c *Catalog) Current() *Catalog {
	return c
}

// Has reports whether name is a known resource type.
func (c *Catalog) Has(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Len returns the number of resource types.
func (c *Catalog) Len() int {
	return len(c.names)
}

// Names returns all resource types in lexicographic order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// After returns the resource types strictly greater than cursor, in
// lexicographic order. An empty cursor returns every type.
func (c *Catalog) After(cursor string) []string {
	i := sort.Search(len(c.names), func(i int) bool { return c.names[i] > cursor })
	out := make([]string, len(c.names)-i)
	copy(out, c.names[i:])
	return out
}

type fileFormat struct {
	ResourceTypes []string `yaml:"resourceTypes"`
}

// LoadFile reads a YAML document of the form `resourceTypes: [...]`.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	c := New(f.ResourceTypes)
	if c.Len() == 0 {
		return nil, fmt.Errorf("%w in %s", ErrEmpty, path)
	}
	return c, nil
}
