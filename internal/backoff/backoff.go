// Package backoff maps a consecutive-failure count to a deferral duration.
package backoff

import "time"

// schedule is the fixed deferral ladder. Once exhausted, the delay
// plateaus at the last entry rather than growing unbounded.
var schedule = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// Deferral returns how long a job should be held back after errorCount
// consecutive failures. An errorCount of zero or less means no deferral.
func Deferral(errorCount int) time.Duration {
	if errorCount <= 0 {
		return 0
	}
	idx := errorCount - 1
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// Max returns the plateau deferral, i.e. the largest value Deferral can return.
func Max() time.Duration {
	return schedule[len(schedule)-1]
}
