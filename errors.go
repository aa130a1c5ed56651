package flowpipe

import (
	"errors"
	"fmt"
)

// Build-time errors. They are reported by Build before any payload is
// processed and are never retried.
var (
	ErrNilStep             = errors.New("step cannot be nil")
	ErrEmptyLabel          = errors.New("step must provide a non-empty label")
	ErrGroupNotFound       = errors.New("group not found")
	ErrGroupCycle          = errors.New("group references itself")
	ErrInvalidCondition    = errors.New("invalid condition")
	ErrUnsupportedOperator = errors.New("unsupported comparison operator")
	ErrInvalidExpression   = errors.New("invalid expression")
	ErrInvalidSpec         = errors.New("invalid step specification")
)

// ErrPanic wraps a value recovered from a panicking step.
var ErrPanic = errors.New("step panicked")

// StepError is returned when a step fails and no strategy recovered it. Err is
// the error raised by the step, unchanged. Recovery holds the reason a
// strategy gave for declining to recover, if any.
type StepError struct {
	Step     string
	Attempt  int
	Err      error
	Recovery error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %q failed on attempt %d: %v", e.Step, e.Attempt, e.Err)
	if e.Recovery != nil {
		msg += fmt.Sprintf(" (recovery: %v)", e.Recovery)
	}
	return msg
}

// Unwrap exposes both the step error and the recovery failure to errors.Is
// and errors.As.
func (e *StepError) Unwrap() []error {
	if e.Recovery == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Recovery}
}
