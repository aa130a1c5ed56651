package flowpipe

import (
	"context"
	"fmt"
	"strings"
)

// Selector is a predicate over the payload. It must not modify the payload.
type Selector[T any] func(context.Context, T) bool

// predicate is the compiled form of every condition kind. Declarative
// conditions may fail to evaluate; that failure is a step failure.
type predicate[T any] func(context.Context, T) (bool, error)

// conditional runs then when its predicate holds and els otherwise. It is
// compiled into a branchRunner when the pipeline is built.
type conditional[T any] struct {
	kind    string
	compile func() (predicate[T], error)
	then    Step[T]
	els     Step[T]
}

// When runs then if s holds for the payload. Otherwise the payload is passed
// on unchanged.
func When[T any](s Selector[T], then Step[T]) Step[T] {
	return &conditional[T]{kind: "when", compile: selectorPredicate(s, false), then: then}
}

// Unless runs then if s does not hold for the payload.
func Unless[T any](s Selector[T], then Step[T]) Step[T] {
	return &conditional[T]{kind: "unless", compile: selectorPredicate(s, true), then: then}
}

// WhenElse runs then if s holds for the payload and els otherwise. A nil els
// passes the payload on unchanged.
func WhenElse[T any](s Selector[T], then, els Step[T]) Step[T] {
	return &conditional[T]{kind: "when", compile: selectorPredicate(s, false), then: then, els: els}
}

func selectorPredicate[T any](s Selector[T], negate bool) func() (predicate[T], error) {
	return func() (predicate[T], error) {
		if s == nil {
			return nil, fmt.Errorf("%w: nil selector", ErrInvalidCondition)
		}
		return func(ctx context.Context, v T) (bool, error) {
			return s(ctx, v) != negate, nil
		}, nil
	}
}

func (c *conditional[T]) String() string {
	if c.els == nil {
		return fmt.Sprintf("%s(%v)", c.kind, c.then)
	}
	return fmt.Sprintf("%s(%v, else %v)", c.kind, c.then, c.els)
}

// Handle builds the condition as a stand-alone pipeline and runs it.
func (c *conditional[T]) Handle(ctx context.Context, payload T, next Next[T]) (T, error) {
	return runStandalone(ctx, c, payload, next)
}

// branchRunner is the compiled form of a conditional. The selected branch is
// folded onto the outer continuation, so the branch's steps run in place of
// the conditional.
type branchRunner[T any] struct {
	label string
	match predicate[T]
	then  []link[T]
	els   []link[T]
	run   *runner[T]
}

func (b *branchRunner[T]) Handle(ctx context.Context, payload T, next Next[T]) (T, error) {
	ok, err := b.match(ctx, payload)
	if err != nil {
		var zero T
		return zero, err
	}
	branch := b.els
	if ok {
		branch = b.then
	}
	return b.run.fold(branch, next)(ctx, payload)
}

func (b *branchRunner[T]) String() string { return b.label }

func (b *branchRunner[T]) describe(buf *strings.Builder, prefix string) {
	if b.els == nil {
		buf.WriteString("\n" + prefix + "└── THEN")
		writeTree(buf, b.then, prefix+"    ")
		return
	}
	buf.WriteString("\n" + prefix + "├── THEN")
	writeTree(buf, b.then, prefix+"│   ")
	buf.WriteString("\n" + prefix + "└── ELSE")
	writeTree(buf, b.els, prefix+"    ")
}
