package flowpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"
)

// Operator is a comparison used by declarative conditions.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
)

// ParseOperator validates an operator token.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(strings.TrimSpace(s)); op {
	case OpEquals, OpContains, OpGreaterThan, OpLessThan, OpIn:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedOperator, s)
	}
}

// Condition is a declarative predicate over a key-value payload. Field is a
// dotted path such as "order.customer.tier"; "@this" addresses the payload
// itself.
type Condition struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value" json:"value"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// Matcher validates c and returns a function evaluating it against a
// payload. The payload is addressed through its JSON form, so struct fields
// are matched by their JSON names.
func (c Condition) Matcher() (func(payload any) (bool, error), error) {
	if strings.TrimSpace(c.Field) == "" {
		return nil, fmt.Errorf("%w: field is required", ErrInvalidCondition)
	}
	op, err := ParseOperator(c.Operator)
	if err != nil {
		return nil, err
	}
	expected, err := normalize(c.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: value %v: %w", ErrInvalidCondition, c.Value, err)
	}
	switch op {
	case OpIn:
		switch expected.(type) {
		case []any, string:
		default:
			return nil, fmt.Errorf("%w: %q expects a list, got %T", ErrInvalidCondition, op, c.Value)
		}
	case OpGreaterThan, OpLessThan:
		switch expected.(type) {
		case float64, string:
		default:
			return nil, fmt.Errorf("%w: %q expects a number or string, got %T", ErrInvalidCondition, op, c.Value)
		}
	}
	return func(payload any) (bool, error) {
		data, err := json.Marshal(payload)
		if err != nil {
			return false, fmt.Errorf("condition %q: %w", c.String(), err)
		}
		res := gjson.GetBytes(data, c.Field)
		if !res.Exists() {
			return false, nil
		}
		return compare(op, res.Value(), expected), nil
	}, nil
}

// Match evaluates c against payload.
func (c Condition) Match(payload any) (bool, error) {
	m, err := c.Matcher()
	if err != nil {
		return false, err
	}
	return m(payload)
}

// If runs then when c holds for the payload and els otherwise. An invalid
// condition fails the build.
func If[T any](c Condition, then, els Step[T]) Step[T] {
	return &conditional[T]{
		kind: "if[" + c.String() + "]",
		compile: func() (predicate[T], error) {
			m, err := c.Matcher()
			if err != nil {
				return nil, err
			}
			return func(_ context.Context, v T) (bool, error) {
				return m(v)
			}, nil
		},
		then: then,
		els:  els,
	}
}

// normalize gives v the shape gjson reports for the same JSON value, so that
// 3 and 3.0 compare equal.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func compare(op Operator, actual, expected any) bool {
	switch op {
	case OpEquals:
		return cmp.Equal(actual, expected)
	case OpContains:
		switch a := actual.(type) {
		case string:
			s, ok := expected.(string)
			return ok && strings.Contains(a, s)
		case []any:
			return slices.ContainsFunc(a, func(e any) bool { return cmp.Equal(e, expected) })
		case map[string]any:
			k, ok := expected.(string)
			if !ok {
				return false
			}
			_, found := a[k]
			return found
		}
	case OpGreaterThan:
		c, ok := order(actual, expected)
		return ok && c > 0
	case OpLessThan:
		c, ok := order(actual, expected)
		return ok && c < 0
	case OpIn:
		switch e := expected.(type) {
		case []any:
			return slices.ContainsFunc(e, func(v any) bool { return cmp.Equal(actual, v) })
		case string:
			a, ok := actual.(string)
			if !ok {
				return false
			}
			for _, v := range strings.Split(e, ",") {
				if strings.TrimSpace(v) == a {
					return true
				}
			}
		}
	}
	return false
}

func order(a, b any) (int, bool) {
	x, xok := toNumber(a)
	y, yok := toNumber(b)
	if xok && yok {
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	}
	s, sok := a.(string)
	t, tok := b.(string)
	if sok && tok {
		return strings.Compare(s, t), true
	}
	return 0, false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
