// File: async/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package async

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-h2/api"
)

var (
	// ErrCancelled resolves a task aborted before completion.
	ErrCancelled = errors.New("async: task cancelled")

	// ErrTaskPanicked wraps a value recovered from a panicking poll.
	ErrTaskPanicked = errors.New("async: task panicked")

	// ErrRuntimeClosed is returned once the runtime is shutting down.
	ErrRuntimeClosed = fmt.Errorf("async: runtime closed: %w", api.ErrClosed)

	// ErrTimeout fails a future wrapped by Timeout when its deadline passes.
	// It is retryable.
	ErrTimeout = api.NewError(api.ErrCodeTimeout, "async: deadline exceeded")
)
