package flowpipe

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces the identifiers assigned to runs and step executions.
type IDGenerator interface {
	ID() uuid.UUID
}

// RandomID generates random (version 4) UUIDs.
type RandomID struct{}

// ID returns a new random UUID.
func (RandomID) ID() uuid.UUID { return uuid.New() }

// StaticID generates sequential UUIDs, useful for deterministic tests.
type StaticID struct {
	mu sync.Mutex
	n  uint64
}

// ID returns the next UUID in the sequence, starting at 1.
func (s *StaticID) ID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[8:], s.n)
	return id
}

var gen IDGenerator = RandomID{}

// SetIDGenerator replaces the package ID generator. It is not safe to call
// while pipelines are running.
func SetIDGenerator(g IDGenerator) {
	if g == nil {
		g = RandomID{}
	}
	gen = g
}

// NewRunID returns an identifier from the package generator, for callers
// that set the run ID themselves with WithRunID.
func NewRunID() uuid.UUID {
	return gen.ID()
}

type contextKey int

const (
	runKey contextKey = iota
	stepKey
)

// ErrNoStepID is returned by GetStepID outside of a step execution.
var ErrNoStepID = errors.New("no step id in context")

// StepInfo describes the step execution a context belongs to.
type StepInfo struct {
	ID      uuid.UUID
	Label   string
	Index   int
	Attempt int
}

func setStep(ctx context.Context, info StepInfo) context.Context {
	return context.WithValue(ctx, stepKey, info)
}

// StepFromContext returns the step execution the context was created for.
func StepFromContext(ctx context.Context) (StepInfo, bool) {
	info, ok := ctx.Value(stepKey).(StepInfo)
	return info, ok
}

// GetStepID returns the identifier of the current step execution.
func GetStepID(ctx context.Context) (uuid.UUID, error) {
	info, ok := StepFromContext(ctx)
	if !ok {
		return uuid.Nil, ErrNoStepID
	}
	return info.ID, nil
}

// WithRunID returns a copy of ctx carrying id as the run identifier. A
// pipeline run with such a context keeps id instead of generating one, which
// correlates the run with the caller's own request.
func WithRunID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, runKey, id)
}

// RunIDFromContext returns the identifier of the pipeline run in progress.
func RunIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(runKey).(uuid.UUID)
	return id, ok
}
