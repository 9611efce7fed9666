// Package api
// Author: momentics
//
// Scheduler contract for timed callback execution.

package api

import "time"

// Cancelable is a handle to a scheduled callback.
type Cancelable interface {
	// Cancel prevents the callback from running. It reports false when the
	// callback already fired or was cancelled before.
	Cancel() bool
}

// Scheduler abstracts timer scheduling for the runtime loop.
type Scheduler interface {
	// Schedule arranges for fn to run once delay has elapsed.
	Schedule(delay time.Duration, fn func()) (Cancelable, error)

	// Len returns the number of pending callbacks.
	Len() int
}
