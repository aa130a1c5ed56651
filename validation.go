package flowpipe

import (
	"context"
	"fmt"
	"reflect"
)

// ValidateStep validates a step for common issues
func ValidateStep[T any](step Step[T]) error {
	if step == nil {
		return ErrNilStep
	}
	v := reflect.ValueOf(step)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan:
		if v.IsNil() {
			return fmt.Errorf("%w: %T", ErrNilStep, step)
		}
	}
	if n, ok := step.(*named[T]); ok && n.Step == nil {
		return fmt.Errorf("%w: %q wraps nothing", ErrNilStep, n.label)
	}

	// Test string representation
	if step.String() == "" {
		return fmt.Errorf("%w: %T", ErrEmptyLabel, step)
	}
	return nil
}

// ValidateSteps validates every step of a list, reporting the first invalid
// position.
func ValidateSteps[T any](steps []Step[T]) error {
	for i, step := range steps {
		if err := ValidateStep(step); err != nil {
			return fmt.Errorf("step %d validation failed: %w", i, err)
		}
	}
	return nil
}

// SafeRun runs a single step with validation. The step's continuation is the
// identity, so the result is the payload the step hands off.
func SafeRun[T any](ctx context.Context, step Step[T], payload T) (T, error) {
	if err := ValidateStep(step); err != nil {
		var zero T
		return zero, fmt.Errorf("cannot run step: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return step.Handle(ctx, payload, identity[T])
}

// DeepCopier is implemented by payloads that can deep copy themselves.
type DeepCopier[T any] interface {
	DeepCopy() T
}

// SafeCopy returns a copy of v that a strategy can modify without touching
// the payload it was given. Types implementing DeepCopier are deep copied;
// pointers and maps are copied one level deep, also when held in an
// interface; other values are returned as is.
func SafeCopy[T any](v T) T {
	if c, ok := any(v).(DeepCopier[T]); ok {
		return c.DeepCopy()
	}
	rv := reflect.ValueOf(&v).Elem()
	if rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return v
		}
		// Copy the dynamic value held by an interface-typed payload.
		rv = rv.Elem()
	}
	cp, ok := shallowCopy(rv)
	if !ok {
		return v
	}
	return cp.Interface().(T)
}

func shallowCopy(rv reflect.Value) (reflect.Value, bool) {
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return rv, false
		}
		cp := reflect.New(rv.Type().Elem())
		cp.Elem().Set(rv.Elem())
		return cp, true
	case reflect.Map:
		if rv.IsNil() {
			return rv, false
		}
		cp := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			cp.SetMapIndex(iter.Key(), iter.Value())
		}
		return cp, true
	default:
		return rv, false
	}
}
