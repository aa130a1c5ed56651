package loader

import (
	"fmt"
	"maps"
	"slices"

	fp "github.com/veggiemonk/flowpipe"
)

// Apply registers the groups of doc in reg, resolving step names against
// cat. Group references are left for flowpipe.Build to resolve, so groups
// may refer to each other in any order and to groups registered elsewhere.
func Apply[T any](doc *Document, cat *Catalog[T], reg *fp.Registry[T]) error {
	if doc == nil {
		return fmt.Errorf("document is nil")
	}
	for _, name := range slices.Sorted(maps.Keys(doc.Groups)) {
		steps, err := Steps(cat, doc.Groups[name])
		if err != nil {
			return fmt.Errorf("group %q: %w", name, err)
		}
		reg.Register(name, steps...)
	}
	return nil
}

// Build builds the pipeline called name. Options from the document are
// applied first, so opts can override them.
func Build[T any](doc *Document, name string, cat *Catalog[T], reg *fp.Registry[T], opts ...fp.Option[T]) (*fp.Pipeline[T], error) {
	if doc == nil {
		return nil, fmt.Errorf("document is nil")
	}
	cfg, ok := doc.Pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoPipeline, name)
	}
	steps, err := Steps(cat, cfg.Steps)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", name, err)
	}
	all := []fp.Option[T]{fp.WithName[T](name)}
	if cfg.Retry != nil {
		rc, err := cfg.Retry.Config()
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", name, err)
		}
		all = append(all, fp.WithStrategy(fp.Retry[T](rc)))
	}
	if d := cfg.Timeout.Duration(); d > 0 {
		all = append(all, fp.WithMiddleware(fp.TimeoutMiddleware[T](d)))
	}
	p, err := fp.Build(reg, steps, append(all, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", name, err)
	}
	return p, nil
}

// Steps converts step entries into flowpipe steps.
func Steps[T any](cat *Catalog[T], refs []StepRef) ([]fp.Step[T], error) {
	steps := make([]fp.Step[T], 0, len(refs))
	for i, ref := range refs {
		s, err := step(cat, ref)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func step[T any](cat *Catalog[T], ref StepRef) (fp.Step[T], error) {
	kinds := 0
	for _, set := range []bool{ref.Name != "", ref.Group != "", ref.Nested != nil, ref.When != nil, ref.Expr != ""} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return nil, fmt.Errorf("%w: need exactly one of name, group, nested, when or expr", ErrInvalidStep)
	}

	var s fp.Step[T]
	switch {
	case ref.Name != "":
		found, ok := cat.Get(ref.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStep, ref.Name)
		}
		s = found
	case ref.Group != "":
		s = fp.Ref[T](ref.Group)
	case ref.Nested != nil:
		inner, err := Steps(cat, ref.Nested)
		if err != nil {
			return nil, fmt.Errorf("nested: %w", err)
		}
		n := fp.Nest(inner...)
		if ref.Label != "" {
			n = n.Named(ref.Label)
		}
		s = n
	default:
		if len(ref.Then) == 0 {
			return nil, fmt.Errorf("%w: condition has no then steps", ErrInvalidStep)
		}
		then, err := branch(cat, ref.Then)
		if err != nil {
			return nil, fmt.Errorf("then: %w", err)
		}
		var els fp.Step[T]
		if len(ref.Else) > 0 {
			if els, err = branch(cat, ref.Else); err != nil {
				return nil, fmt.Errorf("else: %w", err)
			}
		}
		if ref.When != nil {
			s = fp.If(*ref.When, then, els)
		} else {
			s = fp.WhenExpr(ref.Expr, then, els)
		}
	}

	if ref.Retry != nil {
		rc, err := ref.Retry.Config()
		if err != nil {
			return nil, err
		}
		s = fp.Guard(fp.Retry[T](rc), s)
	}
	return s, nil
}

// branch turns the steps of one side of a condition into a single step.
func branch[T any](cat *Catalog[T], refs []StepRef) (fp.Step[T], error) {
	steps, err := Steps(cat, refs)
	if err != nil {
		return nil, err
	}
	if len(steps) == 1 {
		return steps[0], nil
	}
	return fp.Nest(steps...), nil
}
