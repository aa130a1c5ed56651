package loader

import (
	"fmt"
	"slices"
	"sync"

	fp "github.com/veggiemonk/flowpipe"
)

// Catalog maps step names to steps. Safe for concurrent use.
type Catalog[T any] struct {
	mu    sync.RWMutex
	steps map[string]fp.Step[T]
}

// NewCatalog returns a catalog holding steps, each registered under its
// label.
func NewCatalog[T any](steps ...fp.Step[T]) *Catalog[T] {
	c := &Catalog[T]{steps: make(map[string]fp.Step[T], len(steps))}
	for _, s := range steps {
		c.Register(s.String(), s)
	}
	return c
}

// Register adds a step under the given name. Overwrites any existing
// registration.
func (c *Catalog[T]) Register(name string, s fp.Step[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.steps == nil {
		c.steps = make(map[string]fp.Step[T])
	}
	c.steps[name] = s
}

// Get returns the step for name, or nil and false if not found.
func (c *Catalog[T]) Get(name string) (fp.Step[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.steps[name]
	return s, ok
}

// MustGet returns the step for name, or panics if not found.
func (c *Catalog[T]) MustGet(name string) fp.Step[T] {
	s, ok := c.Get(name)
	if !ok {
		panic(fmt.Sprintf("loader: step %q not in catalog", name))
	}
	return s
}

// Names returns the registered step names in sorted order.
func (c *Catalog[T]) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.steps))
	for n := range c.steps {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
