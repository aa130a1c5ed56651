package flowpipe

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
)

// WhenExpr runs then when the boolean expression holds and els otherwise.
// The payload is available to the expression as "payload", for example
// `payload.Total > 100 && payload.Country in ["FR", "BE"]`. The expression is
// compiled when the pipeline is built; a syntax error fails the build.
func WhenExpr[T any](expression string, then, els Step[T]) Step[T] {
	return &conditional[T]{
		kind:    "expr[" + expression + "]",
		compile: exprPredicate[T](expression),
		then:    then,
		els:     els,
	}
}

func exprPredicate[T any](expression string) func() (predicate[T], error) {
	return func() (predicate[T], error) {
		program, err := expr.Compile(expression, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidExpression, expression, err)
		}
		return func(_ context.Context, v T) (bool, error) {
			out, err := expr.Run(program, map[string]any{"payload": v})
			if err != nil {
				return false, fmt.Errorf("evaluate %q: %w", expression, err)
			}
			ok, _ := out.(bool)
			return ok, nil
		}, nil
	}
}
