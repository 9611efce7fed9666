// Package api
// Author: momentics
//
// Executor contract for the worker pool driving runtime tasks.

package api

// Executor runs submitted functions on a fixed pool of workers.
type Executor interface {
	// Submit schedules task for execution. A saturated queue is reported as a
	// retryable ErrResourceExhausted error, never dropped silently.
	Submit(task func()) error

	// NumWorkers returns the number of worker routines.
	NumWorkers() int

	// Close stops the workers after the queue drains.
	Close()
}
