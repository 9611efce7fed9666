// File: internal/concurrency/executor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor dispatches tasks across a fixed set of worker goroutines pulling
// from one shared FIFO ready queue.

package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-h2/api"
)

// TaskFunc is a unit of work to execute.
type TaskFunc func()

// ExecutorOption customizes executor construction.
type ExecutorOption func(*Executor)

// WithQueueCapacity bounds the ready queue. Zero means unbounded.
func WithQueueCapacity(n int) ExecutorOption {
	return func(e *Executor) { e.capacity = n }
}

// WithLockedThreads pins every worker goroutine to its own OS thread.
func WithLockedThreads() ExecutorOption {
	return func(e *Executor) { e.lockThreads = true }
}

// WithPinnedWorkers locks every worker to an OS thread and binds worker i
// to CPU i modulo runtime.NumCPU. Pinning failures are counted, not fatal.
func WithPinnedWorkers() ExecutorOption {
	return func(e *Executor) {
		e.lockThreads = true
		e.pin = true
	}
}

// WithPanicHandler receives values recovered from panicking tasks.
func WithPanicHandler(fn func(any)) ExecutorOption {
	return func(e *Executor) { e.onPanic = fn }
}

// Executor manages a pool of worker goroutines.
type Executor struct {
	mu          sync.Mutex
	cond        *sync.Cond
	ready       *queue.Queue // TaskFunc values, FIFO
	capacity    int
	closed      bool
	numWorkers  int
	lockThreads bool
	pin         bool
	onPanic     func(any)
	wg          sync.WaitGroup

	// statistics
	totalTasks     atomic.Int64
	completedTasks atomic.Int64
	rejectedTasks  atomic.Int64
	pinErrors      atomic.Int64
}

var _ api.Executor = (*Executor)(nil)

// NewExecutor creates a new Executor with the given number of workers.
// If numWorkers <= 0, defaults to runtime.NumCPU().
func NewExecutor(numWorkers int, opts ...ExecutorOption) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	e := &Executor{
		ready:      queue.New(),
		numWorkers: numWorkers,
	}
	e.cond = sync.NewCond(&e.mu)
	for _, o := range opts {
		o(e)
	}
	for i := 0; i < numWorkers; i++ {
		w := &worker{id: i, executor: e}
		e.wg.Add(1)
		go w.run()
	}
	return e
}

// Submit enqueues a task, returning ErrExecutorClosed if the executor is closed
// and a retryable resource-exhausted error if the queue is full.
func (e *Executor) Submit(task func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	if e.capacity > 0 && e.ready.Length() >= e.capacity {
		e.mu.Unlock()
		e.rejectedTasks.Add(1)
		return api.Exhausted("executor queue", e.capacity)
	}
	e.ready.Add(TaskFunc(task))
	e.mu.Unlock()
	e.totalTasks.Add(1)
	e.cond.Signal()
	return nil
}

// Requeue enqueues a task that was already admitted once, bypassing the
// capacity check. Woken tasks go through here so a full queue never loses
// a wakeup.
func (e *Executor) Requeue(task func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.ready.Add(TaskFunc(task))
	e.mu.Unlock()
	e.totalTasks.Add(1)
	e.cond.Signal()
	return nil
}

// NumWorkers returns the number of workers.
func (e *Executor) NumWorkers() int {
	return e.numWorkers
}

// Pending returns the number of queued tasks not yet picked up.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready.Length()
}

// Close stops accepting tasks, lets the workers drain the queue and waits for
// them to exit. It must not be called from a task.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	e.wg.Wait()
}

// Stats returns basic executor metrics.
func (e *Executor) Stats() map[string]int64 {
	total := e.totalTasks.Load()
	completed := e.completedTasks.Load()
	return map[string]int64{
		"total_tasks":     total,
		"completed_tasks": completed,
		"pending_tasks":   total - completed,
		"rejected_tasks":  e.rejectedTasks.Load(),
		"num_workers":     int64(e.numWorkers),
		"pin_errors":      e.pinErrors.Load(),
	}
}

// worker represents a single executor goroutine.
type worker struct {
	id       int
	executor *Executor
}

// run is the main loop for a worker.
func (w *worker) run() {
	e := w.executor
	defer e.wg.Done()
	if e.lockThreads {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	if e.pin && PinCurrentThread(w.id%runtime.NumCPU()) != nil {
		e.pinErrors.Add(1)
	}
	for {
		e.mu.Lock()
		for e.ready.Length() == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.ready.Length() == 0 {
			e.mu.Unlock()
			return
		}
		task := e.ready.Remove().(TaskFunc)
		e.mu.Unlock()
		w.executeTask(task)
	}
}

// executeTask runs the task and updates statistics, recovering from panics.
func (w *worker) executeTask(task TaskFunc) {
	defer func() {
		if r := recover(); r != nil && w.executor.onPanic != nil {
			w.executor.onPanic(r)
		}
		w.executor.completedTasks.Add(1)
	}()
	task()
}
