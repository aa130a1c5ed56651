package flowpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Middleware is a function that wraps a step to add functionality, such as
// logging or timeouts.
type Middleware[T any] func(s Step[T]) Step[T]

// MidFunc is a step produced by a middleware. It keeps a reference to the step
// it wraps so that the chain can be printed.
type MidFunc[T any] struct {
	Name string
	Next Step[T]
	Fn   HandlerFunc[T]
}

// Handle calls Fn.
func (m *MidFunc[T]) Handle(ctx context.Context, payload T, next Next[T]) (T, error) {
	return m.Fn(ctx, payload, next)
}

// String returns the middleware name followed by the step it wraps.
func (m *MidFunc[T]) String() string {
	return fmt.Sprintf("%s(%v)", m.Name, m.Next)
}

// LoggerMiddleware returns a middleware that logs step execution using the
// provided slog.Logger. The duration covers the step itself, up to the point
// it hands the payload to the rest of the pipeline.
func LoggerMiddleware[T any](l *slog.Logger) Middleware[T] {
	return func(s Step[T]) Step[T] {
		return &MidFunc[T]{
			Name: "Logger",
			Next: s,
			Fn: func(ctx context.Context, payload T, next Next[T]) (T, error) {
				start := time.Now()
				attrs := []slog.Attr{attrStep(s.String())}
				if info, ok := StepFromContext(ctx); ok {
					attrs = append(attrs, attrAttempt(info.Attempt))
				}
				l.LogAttrs(ctx, slog.LevelInfo, "start", attrs...)
				done := false
				out, err := s.Handle(ctx, payload, func(ctx context.Context, v T) (T, error) {
					done = true
					l.LogAttrs(ctx, slog.LevelInfo, "done",
						append(attrs, slog.Duration("duration", time.Since(start)),
							slog.String("result", fmt.Sprintf("%v", v)))...)
					return next(ctx, v)
				})
				if !done {
					if err != nil {
						l.LogAttrs(ctx, slog.LevelWarn, "failed",
							append(attrs, slog.Duration("duration", time.Since(start)), attrError(err))...)
					} else {
						l.LogAttrs(ctx, slog.LevelInfo, "stopped",
							append(attrs, slog.Duration("duration", time.Since(start)))...)
					}
				}
				return out, err
			},
		}
	}
}

// TimeoutMiddleware returns a middleware that enforces a timeout on step
// execution. The deadline applies to the step's own work; the rest of the
// pipeline runs with the original context. If the step doesn't hand off
// within the specified duration, it returns a context deadline exceeded
// error.
func TimeoutMiddleware[T any](timeout time.Duration) Middleware[T] {
	return func(s Step[T]) Step[T] {
		return &MidFunc[T]{
			Name: "Timeout",
			Next: s,
			Fn: func(ctx context.Context, payload T, next Next[T]) (T, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				type result struct {
					out T
					err error
				}
				// handed receives the payload the step hands off; the
				// continuation itself runs on this goroutine.
				handed := make(chan T, 1)
				resultCh := make(chan result, 1)

				go func() {
					defer func() {
						if v := recover(); v != nil {
							var zero T
							resultCh <- result{out: zero, err: fmt.Errorf("%w: %v", ErrPanic, v)}
						}
					}()
					out, err := s.Handle(timeoutCtx, payload, func(_ context.Context, v T) (T, error) {
						handed <- v
						var zero T
						return zero, errHandedOff
					})
					resultCh <- result{out: out, err: err}
				}()

				var zero T
				select {
				case v := <-handed:
					return next(ctx, v)
				case res := <-resultCh:
					select {
					case v := <-handed:
						return next(ctx, v)
					default:
					}
					if res.err != nil && timeoutCtx.Err() != nil {
						return zero, fmt.Errorf("step timed out after %v: %w", timeout, timeoutCtx.Err())
					}
					return res.out, res.err
				case <-timeoutCtx.Done():
					return zero, fmt.Errorf("step timed out after %v: %w", timeout, timeoutCtx.Err())
				}
			},
		}
	}
}

// errHandedOff is returned to a step running under TimeoutMiddleware once it
// has passed its payload on.
var errHandedOff = errors.New("payload handed off")

// ErrCircuitOpen is returned by a step whose circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// CircuitClosed indicates the circuit is closed and operations are allowed.
	CircuitClosed CircuitBreakerState = iota
	// CircuitOpen indicates the circuit is open and operations are blocked.
	CircuitOpen
	// CircuitHalfOpen indicates the circuit is half-open and allows limited operations.
	CircuitHalfOpen
)

// CircuitBreakerConfig defines the configuration for circuit breaker middleware.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that will open the circuit.
	// Default is 5.
	FailureThreshold int

	// OpenTimeout is how long the circuit stays open before transitioning to half-open.
	// Default is 60 seconds.
	OpenTimeout time.Duration

	// ShouldTrip is a function that determines whether an error should count as a failure.
	// If nil, all errors count as failures.
	ShouldTrip func(error) bool
}

// DefaultCircuitBreakerConfig returns a circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		ShouldTrip:       nil, // all errors count as failures
	}
}

// CircuitBreakerMiddleware returns a middleware that implements the circuit
// breaker pattern. Only failures of the step itself are counted; errors
// coming back from later steps are not. The breaker state is shared by every
// step the middleware wraps.
func CircuitBreakerMiddleware[T any](config CircuitBreakerConfig) Middleware[T] {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 60 * time.Second
	}

	var (
		state           = CircuitClosed
		failureCount    = 0
		lastFailureTime time.Time
		mu              sync.RWMutex
	)

	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil && (config.ShouldTrip == nil || config.ShouldTrip(err)) {
			failureCount++
			lastFailureTime = time.Now()
			if state == CircuitHalfOpen || failureCount >= config.FailureThreshold {
				state = CircuitOpen
			}
			return
		}
		if err == nil {
			state = CircuitClosed
			failureCount = 0
		}
	}

	return func(s Step[T]) Step[T] {
		return &MidFunc[T]{
			Name: "CircuitBreaker",
			Next: s,
			Fn: func(ctx context.Context, payload T, next Next[T]) (T, error) {
				mu.RLock()
				currentState := state
				lastFailure := lastFailureTime
				mu.RUnlock()

				if currentState == CircuitOpen {
					if time.Since(lastFailure) <= config.OpenTimeout {
						var zero T
						return zero, ErrCircuitOpen
					}
					mu.Lock()
					if state == CircuitOpen {
						state = CircuitHalfOpen
					}
					mu.Unlock()
				}

				done := false
				out, err := s.Handle(ctx, payload, func(ctx context.Context, v T) (T, error) {
					done = true
					record(nil)
					return next(ctx, v)
				})
				if !done {
					record(err)
				}
				return out, err
			},
		}
	}
}
