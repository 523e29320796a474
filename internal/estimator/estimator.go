// Package estimator derives per-customer wait estimates for a queue.
//
// The estimate prefers a trailing statistic (mean created-to-served time
// over recent completions), falls back to the queue's configured average
// service time, and finally to a fixed default. It is a heuristic, not a
// commitment: callers recompute it whenever the queue changes.
package estimator

import (
	"math"
	"time"
)

// DefaultMinutesPerCustomer is used when a queue has no completion history
// and no configured average service time.
const DefaultMinutesPerCustomer = 15

// Window is how far back completions count toward the trailing mean.
const Window = 24 * time.Hour

// PerCustomerMinutes resolves the estimated minutes one customer adds to
// the wait. sample holds created-to-served durations of recent completions.
func PerCustomerMinutes(sample []time.Duration, configuredAvgMinutes int) int {
	if len(sample) > 0 {
		var total time.Duration
		for _, d := range sample {
			total += d
		}
		mean := total / time.Duration(len(sample))
		minutes := int(math.Round(mean.Minutes()))
		if minutes < 1 {
			minutes = 1
		}
		return minutes
	}
	if configuredAvgMinutes > 0 {
		return configuredAvgMinutes
	}
	return DefaultMinutesPerCustomer
}

// WaitMinutes is the ETA for a ticket at the given 1-based position.
func WaitMinutes(sample []time.Duration, configuredAvgMinutes, position int) int {
	if position < 0 {
		position = 0
	}
	return PerCustomerMinutes(sample, configuredAvgMinutes) * position
}
