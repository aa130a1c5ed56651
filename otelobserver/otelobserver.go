// Package otelobserver reports flowpipe steps as OpenTelemetry spans.
//
// Every completed step becomes a span whose start is back-dated by the step
// duration, so retries and their waits are included. Wrap a run with
// Observer.Run to group the step spans under a span for the whole run.
package otelobserver

import (
	"context"
	"time"

	fp "github.com/veggiemonk/flowpipe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of the tracer used by default.
const ScopeName = "github.com/veggiemonk/flowpipe"

// Attribute keys set on step and run spans.
const (
	KeyPipeline = attribute.Key("flowpipe.pipeline")
	KeyRunID    = attribute.Key("flowpipe.run_id")
	KeyIndex    = attribute.Key("flowpipe.step.index")
	KeyAttempts = attribute.Key("flowpipe.step.attempts")
	KeyRecovery = attribute.Key("flowpipe.step.recovery")
)

// Option configures an Observer.
type Option func(*config)

type config struct {
	provider trace.TracerProvider
}

// WithTracerProvider sets the provider used to create the tracer. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.provider = tp
	}
}

// Observer is a flowpipe.Observer that emits one span per completed step.
type Observer[T any] struct {
	tracer trace.Tracer
}

// New returns an Observer.
func New[T any](opts ...Option) *Observer[T] {
	cfg := config{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.provider == nil {
		cfg.provider = otel.GetTracerProvider()
	}
	return &Observer[T]{tracer: cfg.provider.Tracer(ScopeName)}
}

// StepCompleted records entry as a span ending now.
func (o *Observer[T]) StepCompleted(ctx context.Context, entry fp.TraceEntry[T]) error {
	end := time.Now()
	attrs := []attribute.KeyValue{
		KeyPipeline.String(entry.Pipeline),
		KeyRunID.String(entry.RunID.String()),
		KeyIndex.Int(entry.Index),
		KeyAttempts.Int(entry.Attempts),
	}
	if entry.Recovery != fp.ActionNone {
		attrs = append(attrs, KeyRecovery.String(entry.Recovery.String()))
	}
	_, span := o.tracer.Start(ctx, entry.Step,
		trace.WithTimestamp(end.Add(-entry.Duration)),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if entry.Attempts > 1 {
		span.AddEvent("retried", trace.WithAttributes(KeyAttempts.Int(entry.Attempts)))
	}
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(end))
	return nil
}

// Run runs p under a span named after the pipeline. Step spans recorded by
// the observer during the run are children of that span.
func (o *Observer[T]) Run(ctx context.Context, p *fp.Pipeline[T], payload T) (T, error) {
	runID, ok := fp.RunIDFromContext(ctx)
	if !ok {
		runID = fp.NewRunID()
		ctx = fp.WithRunID(ctx, runID)
	}
	ctx, span := o.tracer.Start(ctx, p.String(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(KeyPipeline.String(p.String()), KeyRunID.String(runID.String())),
	)
	defer span.End()

	out, err := p.Run(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}
