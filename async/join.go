// File: async/join.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package async

import (
	"context"
	"sync"
)

// JoinHandle is the result side of a spawned task. It is itself a Future, so
// one task can await another; Wait serves callers outside the runtime.
type JoinHandle[T any] struct {
	t       *task
	mu      sync.Mutex
	done    bool
	value   T
	err     error
	waiters []*Waker
	doneCh  chan struct{}
}

func newJoinHandle[T any](t *task) *JoinHandle[T] {
	return &JoinHandle[T]{t: t, doneCh: make(chan struct{})}
}

// ID returns the runtime-unique task id.
func (h *JoinHandle[T]) ID() uint64 { return h.t.id }

// Poll implements Future.
func (h *JoinHandle[T]) Poll(cx *Context) Poll[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		if h.err != nil {
			return Fail[T](h.err)
		}
		return Ready(h.value)
	}
	w := cx.Waker()
	for _, existing := range h.waiters {
		if existing == w {
			return Pending[T]()
		}
	}
	h.waiters = append(h.waiters, w)
	return Pending[T]()
}

// Wait blocks until the task finishes or ctx is done.
func (h *JoinHandle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.doneCh:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the task has finished.
func (h *JoinHandle[T]) Done() <-chan struct{} { return h.doneCh }

// Abort cancels the task. Timers and I/O interest it is parked on are released
// before Abort returns; the handle then resolves with ErrCancelled unless the
// task had already finished. It reports whether this call cancelled the task.
func (h *JoinHandle[T]) Abort() bool {
	return h.t.cancel()
}

func (h *JoinHandle[T]) resolve(v T, err error) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.value, h.err = v, err
	waiters := h.waiters
	h.waiters = nil
	h.mu.Unlock()
	close(h.doneCh)
	for _, w := range waiters {
		w.Wake()
	}
}
