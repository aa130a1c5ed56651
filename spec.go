package flowpipe

import (
	"context"
	"fmt"
)

// ConditionSpec describes a conditional step in a step specification list.
// Exactly one of Predicate, Field or Expr must be set. Then and Else accept
// anything FromSpec accepts for a single element.
type ConditionSpec[T any] struct {
	Predicate Selector[T]

	Field    string
	Operator string
	Value    any

	Expr string

	Then any
	Else any
}

// FromSpec converts a heterogeneous step specification list into steps.
// Each element may be:
//
//   - a Step[T];
//   - a func(context.Context, T) (T, error) or a func(T) T;
//   - a string, referring to a registered group;
//   - a []any or []Step[T], run as a nested pipeline;
//   - a ConditionSpec[T] or *ConditionSpec[T].
func FromSpec[T any](items ...any) ([]Step[T], error) {
	steps := make([]Step[T], 0, len(items))
	for i, item := range items {
		s, err := specStep[T](item, fmt.Sprintf("func#%d", i))
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func specStep[T any](item any, label string) (Step[T], error) {
	switch v := item.(type) {
	case nil:
		return nil, ErrNilStep
	case Step[T]:
		return v, nil
	case func(context.Context, T) (T, error):
		return Func(label, v), nil
	case func(T) T:
		return Map(label, v), nil
	case string:
		return Ref[T](v), nil
	case []Step[T]:
		return Nest(v...), nil
	case []any:
		steps, err := FromSpec[T](v...)
		if err != nil {
			return nil, err
		}
		return Nest(steps...), nil
	case ConditionSpec[T]:
		return v.step()
	case *ConditionSpec[T]:
		if v == nil {
			return nil, ErrNilStep
		}
		return v.step()
	default:
		var z T
		return nil, fmt.Errorf("%w: %T is not a step for %T payloads", ErrInvalidSpec, item, z)
	}
}

func (c ConditionSpec[T]) step() (Step[T], error) {
	kinds := 0
	for _, set := range []bool{c.Predicate != nil, c.Field != "", c.Expr != ""} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return nil, fmt.Errorf("%w: condition needs exactly one of predicate, field or expr", ErrInvalidSpec)
	}
	if c.Then == nil {
		return nil, fmt.Errorf("%w: condition has no then step", ErrInvalidSpec)
	}
	then, err := specStep[T](c.Then, "then")
	if err != nil {
		return nil, fmt.Errorf("then: %w", err)
	}
	var els Step[T]
	if c.Else != nil {
		if els, err = specStep[T](c.Else, "else"); err != nil {
			return nil, fmt.Errorf("else: %w", err)
		}
	}
	switch {
	case c.Predicate != nil:
		return WhenElse(c.Predicate, then, els), nil
	case c.Field != "":
		return If(Condition{Field: c.Field, Operator: c.Operator, Value: c.Value}, then, els), nil
	default:
		return WhenExpr(c.Expr, then, els), nil
	}
}
