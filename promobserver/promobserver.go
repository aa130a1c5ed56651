// Package promobserver exports flowpipe step metrics to Prometheus.
package promobserver

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	fp "github.com/veggiemonk/flowpipe"
)

// Config holds the metric naming options.
type Config struct {
	Namespace string
	Subsystem string
	// Buckets of the step duration histogram, in seconds.
	Buckets []float64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "flowpipe",
		Buckets:   prometheus.DefBuckets,
	}
}

// Observer is a flowpipe.Observer that counts completed steps, their retries
// and their duration.
type Observer[T any] struct {
	completed *prometheus.CounterVec
	retries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg.
func New[T any](reg prometheus.Registerer, cfg Config) (*Observer[T], error) {
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = prometheus.DefBuckets
	}
	o := &Observer[T]{
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "steps_completed_total",
			Help:      "Total number of completed steps by outcome",
		}, []string{"pipeline", "step", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "step_retries_total",
			Help:      "Total number of retries of completed steps",
		}, []string{"pipeline", "step"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "step_duration_seconds",
			Help:      "Duration of steps in seconds, retries included",
			Buckets:   cfg.Buckets,
		}, []string{"pipeline", "step"}),
	}
	for _, c := range []prometheus.Collector{o.completed, o.retries, o.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// MustNew is like New but panics if the metrics cannot be registered.
func MustNew[T any](reg prometheus.Registerer, cfg Config) *Observer[T] {
	o, err := New[T](reg, cfg)
	if err != nil {
		panic(err)
	}
	return o
}

// StepCompleted records entry.
func (o *Observer[T]) StepCompleted(_ context.Context, entry fp.TraceEntry[T]) error {
	outcome := "ok"
	if entry.Recovery != fp.ActionNone {
		outcome = entry.Recovery.String()
	}
	o.completed.WithLabelValues(entry.Pipeline, entry.Step, outcome).Inc()
	if entry.Attempts > 1 {
		o.retries.WithLabelValues(entry.Pipeline, entry.Step).Add(float64(entry.Attempts - 1))
	}
	o.duration.WithLabelValues(entry.Pipeline, entry.Step).Observe(entry.Duration.Seconds())
	return nil
}
