package flowpipe

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Next is the continuation handed to a step: the remainder of the pipeline.
// Calling it runs every following step and returns the run's result.
type Next[T any] func(context.Context, T) (T, error)

// Step is the basic unit of work in a pipeline. A step receives the current
// payload and the continuation; it does its work and hands the new payload to
// next, or returns without calling next to end the run early.
//
// The value returned by String is used as the step's label in traces, errors
// and logs.
type Step[T any] interface {
	Handle(ctx context.Context, payload T, next Next[T]) (T, error)
	fmt.Stringer
}

// Name returns the type name of a step, without its package path.
func Name[T any](s Step[T]) string {
	t := reflect.TypeOf(s)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	var z [0]T // zero alloc
	return strings.Replace(t.Name(), reflect.TypeOf(z).Elem().PkgPath()+".", "", 1)
}

type typ struct{}

var (
	_ Step[typ] = (*Pipeline[typ])(nil)
	_ Step[typ] = (*MidFunc[typ])(nil)
	_ Step[typ] = (*Nested[typ])(nil)
	_ Step[typ] = (*conditional[typ])(nil)
	_ Step[typ] = (*groupRef[typ])(nil)
	_ Step[typ] = (*guard[typ])(nil)
	_ Step[typ] = StepFunc[typ](nil)
	_ Step[typ] = HandlerFunc[typ](nil)
)

// StepFunc is an adapter to allow the use of ordinary transform functions as
// steps. The returned value is passed on to the continuation.
type StepFunc[T any] func(context.Context, T) (T, error)

// Handle runs the function then continues with its result.
func (f StepFunc[T]) Handle(ctx context.Context, payload T, next Next[T]) (T, error) {
	out, err := f(ctx, payload)
	if err != nil {
		var zero T
		return zero, err
	}
	return next(ctx, out)
}

// String returns the name of the function.
func (f StepFunc[T]) String() string {
	var z T
	return fmt.Sprintf("StepFunc[%T]", z)
}

// HandlerFunc is an adapter for middleware-style functions that receive the
// continuation themselves.
type HandlerFunc[T any] func(ctx context.Context, payload T, next Next[T]) (T, error)

// Handle calls f.
func (f HandlerFunc[T]) Handle(ctx context.Context, payload T, next Next[T]) (T, error) {
	return f(ctx, payload, next)
}

// String returns the name of the function.
func (f HandlerFunc[T]) String() string {
	var z T
	return fmt.Sprintf("HandlerFunc[%T]", z)
}

// named overrides the label of another step.
type named[T any] struct {
	label string
	Step[T]
}

func (n *named[T]) String() string { return n.label }

// Named gives a step a label. Labels show up in traces, errors and logs.
func Named[T any](label string, s Step[T]) Step[T] {
	return &named[T]{label: label, Step: s}
}

// Func returns a labelled step from a transform function.
func Func[T any](label string, fn func(context.Context, T) (T, error)) Step[T] {
	return Named[T](label, StepFunc[T](fn))
}

// Map returns a labelled step from a transform that cannot fail.
func Map[T any](label string, fn func(T) T) Step[T] {
	return Func(label, func(_ context.Context, v T) (T, error) {
		return fn(v), nil
	})
}

func identity[T any](_ context.Context, payload T) (T, error) {
	return payload, nil
}
