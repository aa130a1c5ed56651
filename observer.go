package flowpipe

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TraceEntry describes one successfully completed step.
type TraceEntry[T any] struct {
	RunID    uuid.UUID
	Pipeline string
	Step     string
	Index    int
	Before   T
	After    T
	// Duration covers every attempt of the step but not the steps after it.
	Duration time.Duration
	Attempts int
	// Recovery is ActionFallback or ActionCompensate when a strategy supplied
	// After, ActionNone otherwise.
	Recovery Action
}

// Observer is notified after each successfully completed step. A failing or
// panicking observer never aborts the run; the failure is logged.
type Observer[T any] interface {
	StepCompleted(ctx context.Context, entry TraceEntry[T]) error
}

// ObserverFunc is an adapter to allow the use of ordinary functions as
// observers.
type ObserverFunc[T any] func(context.Context, TraceEntry[T]) error

// StepCompleted calls f.
func (f ObserverFunc[T]) StepCompleted(ctx context.Context, entry TraceEntry[T]) error {
	return f(ctx, entry)
}

type multiObserver[T any] []Observer[T]

// MultiObserver notifies every observer in order.
func MultiObserver[T any](observers ...Observer[T]) Observer[T] {
	return multiObserver[T](slices.Clone(observers))
}

func (m multiObserver[T]) StepCompleted(ctx context.Context, entry TraceEntry[T]) error {
	var errs []error
	for _, o := range m {
		if o == nil {
			continue
		}
		if err := o.StepCompleted(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder is an observer that keeps every trace entry in memory.
// It is safe for concurrent use.
type Recorder[T any] struct {
	mu      sync.Mutex
	entries []TraceEntry[T]
}

// StepCompleted records entry.
func (r *Recorder[T]) StepCompleted(_ context.Context, entry TraceEntry[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

// Entries returns a copy of the recorded entries.
func (r *Recorder[T]) Entries() []TraceEntry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

// Labels returns the labels of the recorded steps in completion order.
func (r *Recorder[T]) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	labels := make([]string, len(r.entries))
	for i, e := range r.entries {
		labels[i] = e.Step
	}
	return labels
}

// Reset drops the recorded entries.
func (r *Recorder[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}
