package flowpipe

import (
	"math"
	"time"
)

// BackoffFunc computes the delay before retrying a step whose attempt number
// attempt (starting at 1) just failed.
type BackoffFunc func(attempt int) time.Duration

// ConstantBackoff waits d before every retry.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return d
	}
}

// LinearBackoff waits base + attempt*increment.
func LinearBackoff(base, increment time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return clampDelay(float64(base) + float64(attempt)*float64(increment))
	}
}

// ExponentialBackoff waits base * multiplier^(attempt-1). A multiplier of
// zero or less defaults to 2.
func ExponentialBackoff(base time.Duration, multiplier float64) BackoffFunc {
	if multiplier <= 0 {
		multiplier = 2
	}
	return func(attempt int) time.Duration {
		return clampDelay(float64(base) * math.Pow(multiplier, float64(attempt-1)))
	}
}

func clampDelay(d float64) time.Duration {
	switch {
	case math.IsNaN(d) || d <= 0:
		return 0
	case d >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	default:
		return time.Duration(d)
	}
}
