package flowpipe

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry maps group names to ordered step lists. Groups are registered
// during bootstrap and resolved when pipelines are built; a built pipeline
// keeps its own copy, so later registrations do not affect it.
type Registry[T any] struct {
	mu     sync.RWMutex
	groups map[string][]Step[T]
}

// NewRegistry returns an empty group registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{groups: make(map[string][]Step[T])}
}

// Register stores steps under name, replacing any previous registration.
func (r *Registry[T]) Register(name string, steps ...Step[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups == nil {
		r.groups = make(map[string][]Step[T])
	}
	r.groups[name] = slices.Clone(steps)
}

// Resolve returns a copy of the steps registered under name.
func (r *Registry[T]) Resolve(name string) ([]Step[T], error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %q", ErrGroupNotFound, name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	steps, ok := r.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGroupNotFound, name)
	}
	return slices.Clone(steps), nil
}

// Has reports whether a group is registered under name.
func (r *Registry[T]) Has(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[name]
	return ok
}

// Clear removes every group.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.groups)
}

// Names returns the registered group names, sorted.
func (r *Registry[T]) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.groups))
	for n := range r.groups {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// groupRef is replaced by the steps of a registered group when the pipeline
// is built.
type groupRef[T any] struct {
	name string
}

// Ref refers to the group registered under name. The reference is spliced in
// place when the pipeline is built; an unknown name fails the build.
func Ref[T any](name string) Step[T] {
	return &groupRef[T]{name: name}
}

func (g *groupRef[T]) String() string { return "group(" + g.name + ")" }

// Handle fails: group references only make sense inside a built pipeline.
func (g *groupRef[T]) Handle(context.Context, T, Next[T]) (T, error) {
	var zero T
	return zero, fmt.Errorf("%w: %q is not resolved outside of Build", ErrGroupNotFound, g.name)
}

// guard attaches a strategy to a sub-sequence of steps.
type guard[T any] struct {
	strategy Strategy[T]
	steps    []Step[T]
}

// Guard protects each of steps with strategy, replacing the strategy of the
// enclosing scope. The steps are spliced in place when the pipeline is built.
func Guard[T any](strategy Strategy[T], steps ...Step[T]) Step[T] {
	return &guard[T]{strategy: strategy, steps: slices.Clone(steps)}
}

func (g *guard[T]) String() string {
	return "guard(" + joinLabels(g.steps) + ")"
}

// Handle builds the guarded steps as a stand-alone pipeline and runs them.
func (g *guard[T]) Handle(ctx context.Context, payload T, next Next[T]) (T, error) {
	return runStandalone(ctx, g, payload, next)
}

func joinLabels[T any](steps []Step[T]) string {
	labels := make([]string, 0, len(steps))
	for _, s := range steps {
		if s == nil {
			labels = append(labels, "<nil>")
			continue
		}
		labels = append(labels, s.String())
	}
	return strings.Join(labels, ", ")
}
