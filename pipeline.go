package flowpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Option configures a pipeline at build time.
type Option[T any] func(*config[T])

type config[T any] struct {
	name     string
	strategy Strategy[T]
	observer Observer[T]
	logger   *slog.Logger
	mids     []Middleware[T]
}

// WithName sets the pipeline name used in traces and logs.
func WithName[T any](name string) Option[T] {
	return func(c *config[T]) { c.name = name }
}

// WithStrategy protects every top-level step of the pipeline with s. Steps
// inside a Guard use the guard's strategy instead. Setting a strategy twice
// keeps the last one.
func WithStrategy[T any](s Strategy[T]) Option[T] {
	return func(c *config[T]) { c.strategy = s }
}

// WithObserver reports every successfully completed step to o.
func WithObserver[T any](o Observer[T]) Option[T] {
	return func(c *config[T]) { c.observer = o }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(c *config[T]) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMiddleware wraps every direct step of the pipeline, including the steps
// of groups, branches and nested pipelines. The first middleware is the
// outermost.
func WithMiddleware[T any](mids ...Middleware[T]) Option[T] {
	return func(c *config[T]) { c.mids = append(c.mids, mids...) }
}

// Pipeline is a built, immutable chain of steps. It is safe to run
// concurrently as long as its steps are.
type Pipeline[T any] struct {
	name  string
	links []link[T]
	entry Next[T]
	run   *runner[T]
}

// Build resolves steps against reg and composes them into a pipeline. Group
// references, guards and nested pipelines are expanded here, so every
// build-time error is reported before any payload is processed. A nil
// registry has no groups.
func Build[T any](reg *Registry[T], steps []Step[T], opts ...Option[T]) (*Pipeline[T], error) {
	cfg := config[T]{name: "pipeline", logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	c := &compiler[T]{reg: reg, mids: cfg.mids, logger: cfg.logger}
	return c.pipeline(cfg.name, steps, cfg.strategy, cfg.observer)
}

// Execute builds steps and runs them once with payload.
func Execute[T any](ctx context.Context, reg *Registry[T], payload T, steps []Step[T], opts ...Option[T]) (T, error) {
	p, err := Build(reg, steps, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return p.Run(ctx, payload)
}

// Run executes the pipeline with payload and returns the final payload. On
// failure the zero value is returned along with the error; no partial
// payload is exposed.
func (p *Pipeline[T]) Run(ctx context.Context, payload T) (out T, err error) {
	runID, ok := RunIDFromContext(ctx)
	if !ok {
		runID = gen.ID()
		ctx = WithRunID(ctx, runID)
	}
	defer func() {
		if v := recover(); v != nil {
			var zero T
			out, err = zero, fmt.Errorf("%w: %v", ErrPanic, v)
		}
		if err != nil {
			p.run.logger.LogAttrs(ctx, slog.LevelDebug, "run failed",
				attrRunID(runID), attrPipeline(p.name), attrError(err))
		}
	}()
	out, err = p.entry(ctx, payload)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Handle runs the whole pipeline as a single step of another pipeline.
func (p *Pipeline[T]) Handle(ctx context.Context, payload T, next Next[T]) (T, error) {
	out, err := p.entry(ctx, payload)
	if err != nil {
		var zero T
		return zero, err
	}
	return next(ctx, out)
}

// String returns the pipeline name.
func (p *Pipeline[T]) String() string { return p.name }

// Labels returns the labels of the top-level steps after group expansion.
func (p *Pipeline[T]) Labels() []string {
	labels := make([]string, len(p.links))
	for i, l := range p.links {
		labels[i] = l.label
	}
	return labels
}

// Describe renders the pipeline as a tree, one step per line.
func (p *Pipeline[T]) Describe() string {
	var buf strings.Builder
	buf.WriteString(p.name)
	writeTree(&buf, p.links, "")
	return buf.String()
}

func (p *Pipeline[T]) describe(buf *strings.Builder, prefix string) {
	writeTree(buf, p.links, prefix)
}

type describer interface {
	describe(buf *strings.Builder, prefix string)
}

func writeTree[T any](buf *strings.Builder, links []link[T], prefix string) {
	for i, l := range links {
		connector, indent := "├── ", "│   "
		if i == len(links)-1 {
			connector, indent = "└── ", "    "
		}
		buf.WriteString("\n" + prefix + connector + l.label)
		if d, ok := l.node.(describer); ok {
			d.describe(buf, prefix+indent)
		}
	}
}

// link is one compiled position of a pipeline.
type link[T any] struct {
	label string
	index int
	// step is node wrapped by the pipeline middleware.
	step     Step[T]
	node     Step[T]
	strategy Strategy[T]
}

// runner drives the links of one pipeline.
type runner[T any] struct {
	name     string
	observer Observer[T]
	logger   *slog.Logger
}

// fold composes links right to left onto final.
func (r *runner[T]) fold(links []link[T], final Next[T]) Next[T] {
	next := final
	for _, l := range slices.Backward(links) {
		next = r.invoke(l, next)
	}
	return next
}

// invoke returns the continuation that runs l and then next.
//
// The strategy of l only sees errors raised before l entered next. Once next
// is entered the outcome belongs to the following steps and is returned as
// is.
func (r *runner[T]) invoke(l link[T], next Next[T]) Next[T] {
	return func(ctx context.Context, payload T) (T, error) {
		var zero T
		start := time.Now()
		for attempt := 1; ; attempt++ {
			entered := false
			handoff := func(ctx context.Context, out T) (T, error) {
				entered = true
				r.observe(ctx, TraceEntry[T]{
					Step:     l.label,
					Index:    l.index,
					Before:   payload,
					After:    out,
					Duration: time.Since(start),
					Attempts: attempt,
				})
				return next(ctx, out)
			}
			info := StepInfo{ID: gen.ID(), Label: l.label, Index: l.index, Attempt: attempt}
			out, err := r.call(setStep(ctx, info), l.step, payload, handoff)
			if entered {
				return out, err
			}
			if err == nil {
				// The step ended the run without continuing.
				r.observe(ctx, TraceEntry[T]{
					Step:     l.label,
					Index:    l.index,
					Before:   payload,
					After:    out,
					Duration: time.Since(start),
					Attempts: attempt,
				})
				return out, nil
			}

			if l.strategy == nil {
				var se *StepError
				if errors.As(err, &se) {
					return zero, err
				}
				return zero, &StepError{Step: l.label, Attempt: attempt, Err: err}
			}

			d := l.strategy.Decide(ctx, Failure[T]{
				Err:     err,
				Payload: payload,
				Attempt: attempt,
				Step:    l.label,
				Context: map[string]any{
					"pipeline": r.name,
					"index":    l.index,
					"step_id":  info.ID.String(),
				},
			})
			switch d.Action {
			case ActionRetry:
				r.logger.LogAttrs(ctx, slog.LevelWarn, "retrying step",
					attrPipeline(r.name), attrStep(l.label), attrAttempt(attempt),
					attrDelay(d.Delay), attrError(err))
				if werr := wait(ctx, d.Delay); werr != nil {
					return zero, &StepError{Step: l.label, Attempt: attempt, Err: errors.Join(err, werr)}
				}
			case ActionFallback, ActionCompensate:
				r.logger.LogAttrs(ctx, slog.LevelInfo, "step recovered",
					attrPipeline(r.name), attrStep(l.label), attrAttempt(attempt),
					attrAction(d.Action), attrError(err))
				r.observe(ctx, TraceEntry[T]{
					Step:     l.label,
					Index:    l.index,
					Before:   payload,
					After:    d.Payload,
					Duration: time.Since(start),
					Attempts: attempt,
					Recovery: d.Action,
				})
				return next(ctx, d.Payload)
			default:
				return zero, &StepError{Step: l.label, Attempt: attempt, Err: err, Recovery: d.Err}
			}
		}
	}
}

// call runs a single attempt of s, turning a panic into an error.
func (r *runner[T]) call(ctx context.Context, s Step[T], payload T, next Next[T]) (out T, err error) {
	defer func() {
		if v := recover(); v != nil {
			var zero T
			out, err = zero, fmt.Errorf("%w: %v", ErrPanic, v)
		}
	}()
	return s.Handle(ctx, payload, next)
}

func (r *runner[T]) observe(ctx context.Context, e TraceEntry[T]) {
	e.RunID, _ = RunIDFromContext(ctx)
	e.Pipeline = r.name
	r.logger.LogAttrs(ctx, slog.LevelDebug, "step completed",
		attrRunID(e.RunID), attrPipeline(r.name), attrStep(e.Step),
		attrAttempt(e.Attempts), slog.Duration("duration", e.Duration))
	if r.observer == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			r.logger.LogAttrs(ctx, slog.LevelError, "observer panicked",
				attrPipeline(r.name), attrStep(e.Step), slog.Any("panic", v))
		}
	}()
	if err := r.observer.StepCompleted(ctx, e); err != nil {
		r.logger.LogAttrs(ctx, slog.LevelError, "observer failed",
			attrPipeline(r.name), attrStep(e.Step), attrError(err))
	}
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// compiler turns step specifications into links. The group stack is shared
// with nested pipelines so that cycles through them are detected too.
type compiler[T any] struct {
	reg    *Registry[T]
	mids   []Middleware[T]
	logger *slog.Logger
	groups []string
}

func (c *compiler[T]) pipeline(name string, steps []Step[T], strategy Strategy[T], observer Observer[T]) (*Pipeline[T], error) {
	run := &runner[T]{name: name, observer: observer, logger: c.logger}
	links, err := c.compile(steps, strategy, run)
	if err != nil {
		return nil, err
	}
	return &Pipeline[T]{
		name:  name,
		links: links,
		entry: run.fold(links, identity[T]),
		run:   run,
	}, nil
}

func (c *compiler[T]) compile(steps []Step[T], scope Strategy[T], run *runner[T]) ([]link[T], error) {
	links := make([]link[T], 0, len(steps))
	for i, s := range steps {
		ls, err := c.compileStep(s, scope, run)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		links = append(links, ls...)
	}
	for i := range links {
		links[i].index = i
	}
	return links, nil
}

func (c *compiler[T]) compileStep(s Step[T], scope Strategy[T], run *runner[T]) ([]link[T], error) {
	if err := ValidateStep(s); err != nil {
		return nil, err
	}
	switch s := s.(type) {
	case *named[T]:
		if !structural(s.Step) {
			return []link[T]{c.direct(s, s.label, scope)}, nil
		}
		ls, err := c.compileStep(s.Step, scope, run)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.label, err)
		}
		if len(ls) == 1 {
			ls[0].label = s.label
		}
		return ls, nil
	case *groupRef[T]:
		if slices.Contains(c.groups, s.name) {
			path := append(slices.Clone(c.groups), s.name)
			return nil, fmt.Errorf("%w: %s", ErrGroupCycle, strings.Join(path, " -> "))
		}
		steps, err := c.reg.Resolve(s.name)
		if err != nil {
			return nil, err
		}
		c.groups = append(c.groups, s.name)
		ls, err := c.compile(steps, scope, run)
		c.groups = c.groups[:len(c.groups)-1]
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", s.name, err)
		}
		return ls, nil
	case *guard[T]:
		ls, err := c.compile(s.steps, s.strategy, run)
		if err != nil {
			return nil, fmt.Errorf("guard: %w", err)
		}
		return ls, nil
	case *Nested[T]:
		inner, err := c.pipeline(s.String(), s.steps, s.strategy, s.observer)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.String(), err)
		}
		r := &nestedRunner[T]{inner: inner}
		return []link[T]{{label: s.String(), step: r, node: r, strategy: scope}}, nil
	case *conditional[T]:
		match, err := s.compile()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.kind, err)
		}
		b := &branchRunner[T]{label: s.String(), match: match, run: run}
		if b.then, err = c.branch(s.then, run); err != nil {
			return nil, fmt.Errorf("%s then: %w", s.kind, err)
		}
		if s.els != nil {
			if b.els, err = c.branch(s.els, run); err != nil {
				return nil, fmt.Errorf("%s else: %w", s.kind, err)
			}
		}
		return []link[T]{{label: b.label, step: b, node: b, strategy: scope}}, nil
	default:
		return []link[T]{c.direct(s, s.String(), scope)}, nil
	}
}

// branch compiles one side of a conditional. Branch steps carry no strategy
// of their own: a failure is handled by the strategy of the conditional as a
// whole, unless the branch uses a Guard.
func (c *compiler[T]) branch(s Step[T], run *runner[T]) ([]link[T], error) {
	return c.compile([]Step[T]{s}, nil, run)
}

func (c *compiler[T]) direct(s Step[T], label string, scope Strategy[T]) link[T] {
	wrapped := s
	for _, m := range slices.Backward(c.mids) {
		if m != nil {
			wrapped = m(wrapped)
		}
	}
	return link[T]{label: label, step: wrapped, node: s, strategy: scope}
}

// structural reports whether s is expanded by the compiler rather than run
// as is.
func structural[T any](s Step[T]) bool {
	switch s.(type) {
	case *groupRef[T], *guard[T], *Nested[T], *conditional[T], *named[T]:
		return true
	}
	return false
}

// runStandalone builds s into a pipeline of its own and runs it as a single
// step. It lets structural steps be used outside of Build.
func runStandalone[T any](ctx context.Context, s Step[T], payload T, next Next[T]) (T, error) {
	p, err := Build[T](nil, []Step[T]{s})
	if err != nil {
		var zero T
		return zero, err
	}
	return p.Handle(ctx, payload, next)
}
