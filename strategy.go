package flowpipe

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"

	"dario.cat/mergo"
)

// Action is the outcome a strategy picks for a failed step.
type Action int

const (
	// ActionNone is the zero value. The executor treats it as ActionFail.
	ActionNone Action = iota
	// ActionRetry re-invokes the failed step after a delay.
	ActionRetry
	// ActionFallback hands a substitute payload to the continuation.
	ActionFallback
	// ActionCompensate hands a substitute payload to the continuation after
	// rollback side effects ran.
	ActionCompensate
	// ActionFail propagates the original error.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFallback:
		return "fallback"
	case ActionCompensate:
		return "compensate"
	case ActionFail:
		return "fail"
	default:
		return "none"
	}
}

// Decision is a strategy's answer to a single failure.
type Decision[T any] struct {
	Action  Action
	Delay   time.Duration
	Payload T
	// Err explains a Fail decision, such as a rollback that did not complete.
	Err error
}

// RetryAfter asks the executor to re-invoke the failed step after delay.
func RetryAfter[T any](delay time.Duration) Decision[T] {
	return Decision[T]{Action: ActionRetry, Delay: delay}
}

// FallbackTo continues the pipeline with payload in place of the failed
// step's output.
func FallbackTo[T any](payload T) Decision[T] {
	return Decision[T]{Action: ActionFallback, Payload: payload}
}

// CompensateWith continues the pipeline with payload after a rollback.
func CompensateWith[T any](payload T) Decision[T] {
	return Decision[T]{Action: ActionCompensate, Payload: payload}
}

// Fail lets the original error propagate.
func Fail[T any]() Decision[T] {
	return Decision[T]{Action: ActionFail}
}

// FailBecause lets the original error propagate and records why recovery was
// not possible.
func FailBecause[T any](err error) Decision[T] {
	return Decision[T]{Action: ActionFail, Err: err}
}

// Failure describes a failed step invocation.
type Failure[T any] struct {
	Err error
	// Payload is the value that was passed into the failing step.
	Payload T
	// Attempt counts invocations of the step, starting at 1.
	Attempt int
	Step    string
	Context map[string]any
}

// Strategy decides how to react to a step failure. It is consulted once per
// failure and must not keep per-run state: the attempt counter is supplied
// by the executor.
type Strategy[T any] interface {
	Decide(ctx context.Context, f Failure[T]) Decision[T]
}

// StrategyFunc is an adapter to allow the use of ordinary functions as
// strategies.
type StrategyFunc[T any] func(context.Context, Failure[T]) Decision[T]

// Decide calls f.
func (f StrategyFunc[T]) Decide(ctx context.Context, fl Failure[T]) Decision[T] {
	return f(ctx, fl)
}

// RetryConfig defines the configuration for the retry strategy.
type RetryConfig struct {
	// MaxAttempts is the maximum number of invocations of a step, including
	// the first one. Zero or less means the step is never retried.
	MaxAttempts int

	// Backoff computes the delay before the next attempt from the attempt
	// that just failed. Default is ExponentialBackoff(100ms, 2).
	Backoff BackoffFunc

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration

	// ShouldRetry determines whether an error should trigger a retry.
	// If nil, all errors trigger retries.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig returns a retry configuration with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(100*time.Millisecond, 2),
		MaxDelay:    5 * time.Second,
		ShouldRetry: nil, // retry all errors
	}
}

type retry[T any] struct {
	config RetryConfig
}

// Retry returns a strategy that retries a failed step until it succeeds or
// config.MaxAttempts invocations have been made, then reports Fail.
func Retry[T any](config RetryConfig) Strategy[T] {
	if config.Backoff == nil {
		config.Backoff = ExponentialBackoff(100*time.Millisecond, 2)
	}
	return &retry[T]{config: config}
}

func (r *retry[T]) Decide(_ context.Context, f Failure[T]) Decision[T] {
	if r.config.ShouldRetry != nil && !r.config.ShouldRetry(f.Err) {
		return Fail[T]()
	}
	if f.Attempt >= r.config.MaxAttempts {
		return Fail[T]()
	}
	delay := r.config.Backoff(f.Attempt)
	if r.config.MaxDelay > 0 && delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}
	return RetryAfter[T](max(delay, 0))
}

// RecoverFunc produces a substitute payload for a failed step.
type RecoverFunc[T any] func(context.Context, Failure[T]) (T, error)

// RollbackFunc undoes side effects of a failed step or of the steps before it.
type RollbackFunc[T any] func(context.Context, Failure[T]) error

// Fallback returns a strategy that substitutes the payload produced by fn.
// If fn fails too, the strategy reports Fail.
func Fallback[T any](fn RecoverFunc[T]) Strategy[T] {
	return StrategyFunc[T](func(ctx context.Context, f Failure[T]) Decision[T] {
		payload, err := fn(ctx, f)
		if err != nil {
			return FailBecause[T](fmt.Errorf("fallback: %w", err))
		}
		return FallbackTo(payload)
	})
}

// FallbackValue returns a strategy that always substitutes v.
func FallbackValue[T any](v T) Strategy[T] {
	return StrategyFunc[T](func(context.Context, Failure[T]) Decision[T] {
		return FallbackTo(v)
	})
}

// FallbackDefaults returns a strategy that fills the zero fields of the
// payload present at failure with the values in defaults, such as the last
// cached copy of the data. The payload must be a struct, a pointer to a
// struct or a map, possibly held in an interface-typed payload; anything else
// makes the strategy report Fail. A nil interface payload becomes defaults.
func FallbackDefaults[T any](defaults T) Strategy[T] {
	return Fallback(func(_ context.Context, f Failure[T]) (T, error) {
		merged := SafeCopy(f.Payload)
		var err error
		switch cv := reflect.ValueOf(any(merged)); {
		case !cv.IsValid():
			return defaults, nil
		case cv.Kind() == reflect.Pointer:
			err = mergo.Merge(any(merged), any(defaults))
		case reflect.ValueOf(&merged).Elem().Kind() == reflect.Interface:
			// mergo needs a pointer to the dynamic value, not to the interface.
			dst := reflect.New(cv.Type())
			dst.Elem().Set(cv)
			if err = mergo.Merge(dst.Interface(), any(defaults)); err == nil {
				merged = dst.Elem().Interface().(T)
			}
		default:
			err = mergo.Merge(&merged, defaults)
		}
		if err != nil {
			var zero T
			return zero, fmt.Errorf("merge defaults: %w", err)
		}
		return merged, nil
	})
}

// Compensate returns a strategy that runs rollbacks in reverse order and then
// continues with the payload produced by recoverFn. A nil recoverFn continues
// with the payload that was passed into the failed step. If a rollback fails
// the strategy reports Fail, after attempting every remaining rollback.
func Compensate[T any](recoverFn RecoverFunc[T], rollbacks ...RollbackFunc[T]) Strategy[T] {
	rollbacks = slices.Clone(rollbacks)
	return StrategyFunc[T](func(ctx context.Context, f Failure[T]) Decision[T] {
		var errs []error
		for _, rb := range slices.Backward(rollbacks) {
			if err := rb(ctx, f); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return FailBecause[T](fmt.Errorf("rollback: %w", errors.Join(errs...)))
		}
		if recoverFn == nil {
			return CompensateWith(f.Payload)
		}
		payload, err := recoverFn(ctx, f)
		if err != nil {
			return FailBecause[T](fmt.Errorf("compensate: %w", err))
		}
		return CompensateWith(payload)
	})
}

// Composite returns a strategy that asks each strategy in order and adopts
// the first decision that is not Fail.
func Composite[T any](strategies ...Strategy[T]) Strategy[T] {
	strategies = slices.Clone(strategies)
	return StrategyFunc[T](func(ctx context.Context, f Failure[T]) Decision[T] {
		var errs []error
		for _, s := range strategies {
			if s == nil {
				continue
			}
			d := s.Decide(ctx, f)
			if isRecovery(d.Action) {
				return d
			}
			if d.Err != nil {
				errs = append(errs, d.Err)
			}
		}
		return FailBecause[T](errors.Join(errs...))
	})
}

// OnlyFor scopes s to the errors accepted by match. Other errors are treated
// as Fail without consulting s.
func OnlyFor[T any](match func(error) bool, s Strategy[T]) Strategy[T] {
	return StrategyFunc[T](func(ctx context.Context, f Failure[T]) Decision[T] {
		if !match(f.Err) {
			return Fail[T]()
		}
		return s.Decide(ctx, f)
	})
}

// ErrorIs returns a matcher accepting errors that wrap any of targets.
func ErrorIs(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

// ErrorAs returns a matcher accepting errors that wrap an E.
func ErrorAs[E error]() func(error) bool {
	return func(err error) bool {
		var target E
		return errors.As(err, &target)
	}
}

// Retryable marks err as retryable. Use IsRetryable with RetryConfig.ShouldRetry
// or OnlyFor so that only transient failures are retried.
type Retryable struct{ Err error }

func (e *Retryable) Error() string { return e.Err.Error() }
func (e *Retryable) Unwrap() error { return e.Err }

// RetryableErr wraps err in a Retryable.
func RetryableErr(err error) error { return &Retryable{Err: err} }

// IsRetryable reports whether err was marked with RetryableErr.
func IsRetryable(err error) bool { return errors.As(err, new(*Retryable)) }

func isRecovery(a Action) bool {
	return a == ActionRetry || a == ActionFallback || a == ActionCompensate
}
