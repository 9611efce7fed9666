// File: async/runtime.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime composes the reactor, the timer wheel and the worker pool. One
// poller goroutine, locked to its own OS thread, owns the reactor wait loop
// and drives the timer wheel; workers poll ready tasks.

package async

import (
	"context"
	"errors"
	"math"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/momentics/hioload-h2/api"
	"github.com/momentics/hioload-h2/control"
	"github.com/momentics/hioload-h2/internal/concurrency"
	"github.com/momentics/hioload-h2/reactor"
)

// Option configures a Runtime.
type Option func(*options)

type options struct {
	workers          int
	queueCapacity    int
	maxTimers        int
	maxRegistrations int
	eventBatch       int
	tick             time.Duration
	lockThreads      bool
	pinWorkers       bool
	logger           *zap.Logger
	metrics          *control.Metrics
	probes           *control.DebugProbes
}

func defaultOptions() options {
	return options{
		workers:     goruntime.NumCPU(),
		eventBatch:  reactor.DefaultEventBatch,
		tick:        time.Millisecond,
		lockThreads: true,
		logger:      zap.NewNop(),
	}
}

// WithConfig applies the runtime section of a control.Config.
func WithConfig(cfg control.RuntimeConfig) Option {
	return func(o *options) {
		if cfg.Workers > 0 {
			o.workers = cfg.Workers
		}
		o.queueCapacity = cfg.QueueCapacity
		o.maxTimers = cfg.MaxTimers
		o.maxRegistrations = cfg.MaxRegistrations
		if cfg.EventBatch > 0 {
			o.eventBatch = cfg.EventBatch
		}
		if cfg.Tick > 0 {
			o.tick = time.Duration(cfg.Tick)
		}
		o.lockThreads = cfg.LockThreads
		o.pinWorkers = cfg.PinWorkers
	}
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueCapacity bounds the number of queued spawns; zero is unbounded.
func WithQueueCapacity(n int) Option { return func(o *options) { o.queueCapacity = n } }

// WithMaxTimers bounds the timer wheel; zero is unbounded.
func WithMaxTimers(n int) Option { return func(o *options) { o.maxTimers = n } }

// WithMaxRegistrations bounds reactor registrations; zero is unbounded.
func WithMaxRegistrations(n int) Option { return func(o *options) { o.maxRegistrations = n } }

// WithTick sets the timer wheel resolution.
func WithTick(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tick = d
		}
	}
}

// WithPinnedWorkers binds each worker thread to its own CPU where the
// platform allows it.
func WithPinnedWorkers() Option { return func(o *options) { o.pinWorkers = true } }

// WithLogger sets the runtime logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = control.OrNop(l) }
}

// WithMetrics records runtime activity on m.
func WithMetrics(m *control.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithDebugProbes publishes runtime state through dp.
func WithDebugProbes(dp *control.DebugProbes) Option { return func(o *options) { o.probes = dp } }

// Runtime is an explicit, shareable handle to one executor/reactor/timer set.
// Several runtimes may coexist in a process.
type Runtime struct {
	opts    options
	log     *zap.Logger
	metrics *control.Metrics
	reactor api.Reactor
	wheel   *concurrency.TimerWheel
	exec    *concurrency.Executor
	io      *ioDriver

	nextID atomic.Uint64
	// planned is the UnixNano the poller intends to sleep until; math.MinInt64
	// while it is awake.
	planned atomic.Int64

	mu      sync.Mutex
	tasks   map[uint64]*task
	closing bool

	shutdownOnce sync.Once
	pollerDone   chan struct{}
	done         chan struct{}
	failure      atomic.Pointer[error]
	shutdownErr  error
}

// NewRuntime builds and starts a runtime.
func NewRuntime(opts ...Option) (*Runtime, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	log := o.logger.Named("runtime")

	r, err := reactor.New(
		reactor.WithMaxRegistrations(o.maxRegistrations),
		reactor.WithEventBatch(o.eventBatch),
		reactor.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}
	wheel, err := concurrency.NewTimerWheel(o.tick, time.Now(), concurrency.WithMaxTimers(o.maxTimers))
	if err != nil {
		r.Close()
		return nil, err
	}
	execOpts := []concurrency.ExecutorOption{
		concurrency.WithQueueCapacity(o.queueCapacity),
		concurrency.WithPanicHandler(func(v any) {
			log.Error("executor task panicked", zap.Any("panic", v))
		}),
	}
	switch {
	case o.pinWorkers:
		execOpts = append(execOpts, concurrency.WithPinnedWorkers())
	case o.lockThreads:
		execOpts = append(execOpts, concurrency.WithLockedThreads())
	}

	rt := &Runtime{
		opts:       o,
		log:        log,
		metrics:    o.metrics,
		reactor:    r,
		wheel:      wheel,
		exec:       concurrency.NewExecutor(o.workers, execOpts...),
		tasks:      make(map[uint64]*task),
		pollerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	rt.io = newIODriver(rt)
	rt.planned.Store(math.MinInt64)

	if err := o.metrics.WatchTimerWheel(wheel.Len); err != nil {
		log.Warn("timer gauge not registered", zap.Error(err))
	}
	if o.probes != nil {
		o.probes.RegisterProbe("runtime", func() any { return rt.Stats() })
	}

	go rt.poller()
	log.Info("runtime started",
		zap.Int("workers", o.workers),
		zap.Duration("tick", o.tick),
		zap.Bool("lockThreads", o.lockThreads))
	return rt, nil
}

// Logger returns the runtime logger.
func (rt *Runtime) Logger() *zap.Logger { return rt.log }

// Done is closed when the runtime has shut down.
func (rt *Runtime) Done() <-chan struct{} { return rt.done }

// Err returns the reactor failure that stopped the runtime, if any.
func (rt *Runtime) Err() error {
	if p := rt.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats reports live counters, mainly for debugging.
func (rt *Runtime) Stats() map[string]int64 {
	out := rt.exec.Stats()
	rt.mu.Lock()
	out["live_tasks"] = int64(len(rt.tasks))
	rt.mu.Unlock()
	ts := rt.wheel.Stats()
	out["timers_pending"] = int64(ts.Pending)
	out["timers_fired"] = int64(ts.Fired)
	out["timers_cancelled"] = int64(ts.Cancelled)
	out["io_registrations"] = int64(rt.io.len())
	return out
}

// Timers returns the number of pending timer entries.
func (rt *Runtime) Timers() int { return rt.wheel.Len() }

// Spawn schedules fut on the worker pool. It fails with ErrRuntimeClosed after
// shutdown and with a retryable api.Error when the ready queue is full.
func Spawn[T any](rt *Runtime, fut Future[T]) (*JoinHandle[T], error) {
	t := newTask(rt, rt.nextID.Add(1))
	h := newJoinHandle[T](t)
	t.poll = func(cx *Context) bool {
		p := fut.Poll(cx)
		if !p.IsReady() {
			return false
		}
		h.resolve(p.value, p.err)
		return true
	}
	t.finish = func(err error) {
		var zero T
		h.resolve(zero, err)
	}
	if err := rt.track(t); err != nil {
		return nil, err
	}
	rt.metrics.TaskSpawned()
	t.state.Store(stateScheduled)
	if err := rt.exec.Submit(t.run); err != nil {
		rt.untrack(t)
		rt.metrics.TaskFinished(true)
		if errors.Is(err, concurrency.ErrExecutorClosed) {
			return nil, ErrRuntimeClosed
		}
		return nil, err
	}
	return h, nil
}

// BlockOn polls fut on the calling goroutine until it completes, parking
// between wakes. It must not be called from inside a task.
func BlockOn[T any](rt *Runtime, fut Future[T]) (T, error) {
	var zero T
	select {
	case <-rt.done:
		return zero, ErrRuntimeClosed
	default:
	}
	signal := make(chan struct{}, 1)
	w := NewWaker(func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	var hooks hookSet
	defer hooks.run()
	cx := &Context{waker: w, rt: rt, hooks: &hooks}
	for {
		if p := fut.Poll(cx); p.IsReady() {
			return p.Result()
		}
		select {
		case <-signal:
		case <-rt.done:
			if err := rt.Err(); err != nil {
				return zero, err
			}
			return zero, ErrRuntimeClosed
		}
	}
}

// Shutdown stops the poller, cancels every live task, drains the workers and
// closes the reactor. It must not be called from inside a task. The first
// call performs the work; later calls wait for it.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdownOnce.Do(func() { go rt.shutdown() })
	select {
	case <-rt.done:
		return rt.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *Runtime) shutdown() {
	var result *multierror.Error

	rt.mu.Lock()
	rt.closing = true
	live := make([]*task, 0, len(rt.tasks))
	for _, t := range rt.tasks {
		live = append(live, t)
	}
	rt.mu.Unlock()

	if err := rt.reactor.Wake(); err != nil && !errors.Is(err, reactor.ErrClosed) {
		result = multierror.Append(result, err)
	}
	<-rt.pollerDone

	for _, t := range live {
		t.cancel()
	}
	rt.exec.Close()
	result = multierror.Append(result, rt.reactor.Close())
	if err := rt.Err(); err != nil {
		result = multierror.Append(result, err)
	}
	rt.shutdownErr = result.ErrorOrNil()
	rt.log.Info("runtime stopped",
		zap.Int("cancelledTasks", len(live)),
		zap.Int("pendingTimers", rt.wheel.Len()),
		zap.Error(rt.shutdownErr))
	close(rt.done)
}

func (rt *Runtime) isClosing() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closing
}

func (rt *Runtime) track(t *task) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closing {
		return ErrRuntimeClosed
	}
	rt.tasks[t.id] = t
	return nil
}

func (rt *Runtime) untrack(t *task) {
	rt.mu.Lock()
	delete(rt.tasks, t.id)
	rt.mu.Unlock()
}

// requeue puts a woken task back on the pool. Once the pool is closed the
// task can only be finished, which happens inline.
func (rt *Runtime) requeue(t *task) {
	if err := rt.exec.Requeue(t.run); err != nil {
		t.cancelled.Store(true)
		t.run()
	}
}

func (rt *Runtime) taskDone(t *task, cancelled bool) {
	rt.untrack(t)
	rt.metrics.TaskFinished(cancelled)
}

// scheduleTimer arms fn at deadline and interrupts the poller when the new
// deadline is earlier than the one it is sleeping towards.
func (rt *Runtime) scheduleTimer(deadline time.Time, fn func()) (concurrency.TimerHandle, error) {
	h, err := rt.wheel.ScheduleAt(deadline, fn)
	if err != nil {
		return h, err
	}
	if deadline.UnixNano() < rt.planned.Load() {
		if err := rt.reactor.Wake(); err != nil && !errors.Is(err, reactor.ErrClosed) {
			rt.log.Warn("poller wake failed", zap.Error(err))
		}
	}
	return h, nil
}

func (rt *Runtime) fail(err error) {
	rt.failure.CompareAndSwap(nil, &err)
	rt.log.Error("reactor wait failed, shutting down", zap.Error(err))
	rt.shutdownOnce.Do(func() { go rt.shutdown() })
}

// poller is the reactor/timer loop.
func (rt *Runtime) poller() {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()
	defer close(rt.pollerDone)

	events := make([]api.Event, rt.opts.eventBatch)
	for !rt.isClosing() {
		// publish "undecided" first so concurrent schedulers err on waking us
		rt.planned.Store(math.MaxInt64)
		now := time.Now()
		timeout := time.Duration(-1)
		if d, ok := rt.wheel.NextTimeout(now); ok {
			timeout = d
			rt.planned.Store(now.Add(d).UnixNano())
		}

		n, err := rt.reactor.Wait(events, timeout)
		rt.planned.Store(math.MinInt64)
		if err != nil {
			if rt.isClosing() {
				return
			}
			rt.fail(err)
			return
		}
		for i := 0; i < n; i++ {
			rt.io.dispatch(events[i])
		}
		rt.metrics.ReactorCycle(n)
		rt.metrics.TimersRun(rt.wheel.Tick(time.Now()))
	}
}
