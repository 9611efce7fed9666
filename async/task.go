// File: async/task.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Task state machine, wakers and cancel hooks.

package async

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Waker makes a parked computation runnable again. Waking is idempotent
// between polls and safe from any goroutine.
type Waker struct {
	wake func()
}

// NewWaker wraps fn. Mostly useful for driving futures outside a Runtime.
func NewWaker(fn func()) *Waker { return &Waker{wake: fn} }

// Wake schedules the owner for another poll.
func (w *Waker) Wake() {
	if w != nil && w.wake != nil {
		w.wake()
	}
}

// hookSet holds cleanup functions for resources a computation parks on.
// They run at most once: on removal by the owner they are dropped, on
// cancellation or completion of the computation they are invoked.
type hookSet struct {
	mu    sync.Mutex
	next  uint64
	hooks map[uint64]func()
	done  bool
}

// add registers fn and returns its key. If the set already ran, fn runs
// immediately and the returned key is zero.
func (h *hookSet) add(fn func()) uint64 {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		fn()
		return 0
	}
	if h.hooks == nil {
		h.hooks = make(map[uint64]func())
	}
	h.next++
	key := h.next
	h.hooks[key] = fn
	h.mu.Unlock()
	return key
}

func (h *hookSet) remove(key uint64) {
	if key == 0 {
		return
	}
	h.mu.Lock()
	delete(h.hooks, key)
	h.mu.Unlock()
}

// run invokes every registered hook and rejects later additions.
func (h *hookSet) run() {
	h.mu.Lock()
	hooks := h.hooks
	h.hooks = nil
	h.done = true
	h.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (h *hookSet) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// Context is handed to every Poll call.
type Context struct {
	waker *Waker
	rt    *Runtime
	hooks *hookSet
}

// Waker returns the waker of the computation being polled.
func (cx *Context) Waker() *Waker { return cx.waker }

// Runtime returns the runtime driving the computation.
func (cx *Context) Runtime() *Runtime { return cx.rt }

// OnCancel registers fn to release a resource the computation parks on if
// the computation is aborted or finishes while still holding it. The returned
// function unregisters fn without running it.
func (cx *Context) OnCancel(fn func()) (release func()) {
	key := cx.hooks.add(fn)
	return func() { cx.hooks.remove(key) }
}

const (
	stateIdle int32 = iota
	stateScheduled
	stateRunning
	stateNotified // woken while running
	stateDone
)

// task drives one spawned future on the executor.
type task struct {
	id        uint64
	rt        *Runtime
	state     atomic.Int32
	cancelled atomic.Bool
	hooks     hookSet
	waker     Waker
	cx        Context
	// poll returns true once the future produced its result.
	poll func(cx *Context) bool
	// finish delivers a terminal error (cancellation or panic).
	finish func(err error)
}

func newTask(rt *Runtime, id uint64) *task {
	t := &task{id: id, rt: rt}
	t.waker = Waker{wake: t.wake}
	t.cx = Context{waker: &t.waker, rt: rt, hooks: &t.hooks}
	return t
}

// wake transitions idle -> scheduled and queues the task, or records a
// notification for a running task so it is polled again.
func (t *task) wake() {
	for {
		switch s := t.state.Load(); s {
		case stateIdle:
			if t.state.CompareAndSwap(stateIdle, stateScheduled) {
				t.rt.requeue(t)
				return
			}
		case stateRunning:
			if t.state.CompareAndSwap(stateRunning, stateNotified) {
				return
			}
		default:
			return
		}
	}
}

// run polls the task once on a worker. A wake that arrived during the poll
// puts the task at the back of the ready queue instead of re-polling in place,
// so a self-waking task cannot starve the others.
func (t *task) run() {
	if !t.state.CompareAndSwap(stateScheduled, stateRunning) {
		return
	}
	if t.cancelled.Load() {
		t.complete(ErrCancelled, true)
		return
	}
	done, perr := t.pollOnce()
	switch {
	case perr != nil:
		t.complete(perr, false)
		return
	case done:
		t.complete(nil, false)
		return
	}
	if t.state.CompareAndSwap(stateRunning, stateIdle) {
		return
	}
	// notified while running, possibly by cancel
	t.state.Store(stateScheduled)
	t.rt.requeue(t)
}

func (t *task) pollOnce() (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return t.poll(&t.cx), nil
}

// complete moves the task to done, releases parked resources and reports a
// terminal error when the future did not produce one itself.
func (t *task) complete(err error, cancelled bool) {
	t.state.Store(stateDone)
	t.hooks.run()
	if err != nil {
		t.finish(err)
	}
	t.rt.taskDone(t, cancelled)
}

// cancel marks the task aborted, releases its timers and I/O waker slots
// synchronously and makes sure a worker observes the flag.
func (t *task) cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	if t.state.Load() == stateDone {
		return false
	}
	t.hooks.run()
	t.wake()
	return true
}
