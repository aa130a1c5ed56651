package flowpipe

import (
	"context"
	"slices"
	"strings"
)

// Nested is a sub-pipeline used as a single step. It runs to completion
// before its terminal payload is handed to the outer continuation; none of
// its intermediate payloads are visible outside.
//
// Failures inside the nested pipeline are handled by its own strategy, not
// the outer one. The outer strategy sees the nested pipeline as one step and
// retries it as a whole.
type Nested[T any] struct {
	label    string
	steps    []Step[T]
	strategy Strategy[T]
	observer Observer[T]
}

// Nest returns a nested pipeline made of steps.
func Nest[T any](steps ...Step[T]) *Nested[T] {
	return &Nested[T]{steps: slices.Clone(steps)}
}

// WithStrategy returns a copy of n whose inner steps are protected by s.
func (n *Nested[T]) WithStrategy(s Strategy[T]) *Nested[T] {
	cp := *n
	cp.strategy = s
	return &cp
}

// WithObserver returns a copy of n that reports its inner steps to o.
func (n *Nested[T]) WithObserver(o Observer[T]) *Nested[T] {
	cp := *n
	cp.observer = o
	return &cp
}

// Named returns a copy of n labelled label.
func (n *Nested[T]) Named(label string) *Nested[T] {
	cp := *n
	cp.label = label
	return &cp
}

func (n *Nested[T]) String() string {
	if n.label != "" {
		return n.label
	}
	return "nested(" + joinLabels(n.steps) + ")"
}

// Handle builds n as a stand-alone pipeline and runs it.
func (n *Nested[T]) Handle(ctx context.Context, payload T, next Next[T]) (T, error) {
	return runStandalone(ctx, n, payload, next)
}

// nestedRunner is the compiled form of a Nested step.
type nestedRunner[T any] struct {
	inner *Pipeline[T]
}

func (r *nestedRunner[T]) Handle(ctx context.Context, payload T, next Next[T]) (T, error) {
	out, err := r.inner.entry(ctx, payload)
	if err != nil {
		var zero T
		return zero, err
	}
	return next(ctx, out)
}

func (r *nestedRunner[T]) String() string { return r.inner.name }

func (r *nestedRunner[T]) describe(buf *strings.Builder, prefix string) {
	writeTree(buf, r.inner.links, prefix)
}
