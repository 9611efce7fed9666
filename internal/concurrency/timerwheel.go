// File: internal/concurrency/timerwheel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Hierarchical timer wheel: three rings of 256 slots with 1, 256 and 65536
// ticks per slot. Insertion and cancellation are O(1); a tick touches only the
// entries expiring in it plus the occasional cascade of one coarser slot.

package concurrency

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-h2/api"
	"github.com/momentics/hioload-h2/pool"
)

const (
	wheelBits   = 8
	wheelSize   = 1 << wheelBits
	wheelMask   = wheelSize - 1
	wheelLevels = 3
	// maxSpan is the number of ticks the coarsest level can address.
	maxSpan = 1 << (wheelBits * wheelLevels)
)

type timerEntry struct {
	gen      atomic.Uint64
	armed    uint64 // generation the current schedule was issued with
	deadline uint64 // absolute tick
	fn       func()
	linked   bool
	level    int
	index    int
	prev     *timerEntry
	next     *timerEntry
}

type slot struct {
	head, tail *timerEntry
}

func (s *slot) push(e *timerEntry) {
	e.prev, e.next = s.tail, nil
	if s.tail != nil {
		s.tail.next = e
	} else {
		s.head = e
	}
	s.tail = e
	e.linked = true
}

func (s *slot) remove(e *timerEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
	e.linked = false
}

// take detaches the whole list; entries keep their next links.
func (s *slot) take() *timerEntry {
	h := s.head
	s.head, s.tail = nil, nil
	return h
}

// TimerHandle identifies one scheduled callback.
type TimerHandle struct {
	w   *TimerWheel
	e   *timerEntry
	gen uint64
}

var _ api.Cancelable = TimerHandle{}

// Cancel removes the callback. Cancelling a fired or cancelled timer is a
// no-op that reports false.
func (h TimerHandle) Cancel() bool {
	if h.w == nil || h.e == nil {
		return false
	}
	return h.w.cancel(h)
}

// TimerStats are cumulative wheel counters.
type TimerStats struct {
	Scheduled uint64
	Fired     uint64
	Cancelled uint64
	Pending   int
}

// TimerWheelOption customizes a TimerWheel.
type TimerWheelOption func(*TimerWheel)

// WithMaxTimers bounds the number of pending entries. Zero means unbounded.
func WithMaxTimers(n int) TimerWheelOption {
	return func(w *TimerWheel) { w.maxTimers = n }
}

// WithClock replaces time.Now, mainly for deterministic tests.
func WithClock(now func() time.Time) TimerWheelOption {
	return func(w *TimerWheel) { w.now = now }
}

// TimerWheel is a tick-driven hierarchical timeout store safe for concurrent use.
type TimerWheel struct {
	mu        sync.Mutex
	tick      time.Duration
	start     time.Time
	now       func() time.Time
	current   uint64 // every tick <= current has been processed
	levels    [wheelLevels][wheelSize]slot
	count     int
	maxTimers int
	entries   *pool.SyncPool[*timerEntry]

	scheduled atomic.Uint64
	fired     atomic.Uint64
	cancelled atomic.Uint64
}

var _ api.Scheduler = (*TimerWheel)(nil)

// NewTimerWheel creates a wheel whose tick zero is start.
func NewTimerWheel(tick time.Duration, start time.Time, opts ...TimerWheelOption) (*TimerWheel, error) {
	if tick <= 0 {
		return nil, ErrInvalidTick
	}
	w := &TimerWheel{
		tick:  tick,
		start: start,
		now:   time.Now,
		entries: pool.NewSyncPool(func() *timerEntry { return new(timerEntry) }).
			WithReset(func(e *timerEntry) { e.fn = nil }),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Resolution returns the wheel granularity.
func (w *TimerWheel) Resolution() time.Duration { return w.tick }

// Len returns the number of pending entries.
func (w *TimerWheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Stats returns a snapshot of the wheel counters.
func (w *TimerWheel) Stats() TimerStats {
	return TimerStats{
		Scheduled: w.scheduled.Load(),
		Fired:     w.fired.Load(),
		Cancelled: w.cancelled.Load(),
		Pending:   w.Len(),
	}
}

// Schedule implements api.Scheduler.
func (w *TimerWheel) Schedule(delay time.Duration, fn func()) (api.Cancelable, error) {
	h, err := w.ScheduleAt(w.now().Add(delay), fn)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// ScheduleAt arranges for fn to run on the first tick at or after deadline.
// It fails only when a capacity limit is configured and reached.
func (w *TimerWheel) ScheduleAt(deadline time.Time, fn func()) (TimerHandle, error) {
	d := w.ceilTick(deadline)

	w.mu.Lock()
	if w.maxTimers > 0 && w.count >= w.maxTimers {
		w.mu.Unlock()
		return TimerHandle{}, api.Exhausted("timer wheel", w.maxTimers)
	}
	if d <= w.current {
		d = w.current + 1
	}
	e := w.entries.Get()
	e.armed = e.gen.Load()
	e.deadline = d
	e.fn = fn
	w.place(e)
	w.count++
	w.mu.Unlock()

	w.scheduled.Add(1)
	return TimerHandle{w: w, e: e, gen: e.armed}, nil
}

// NextTimeout returns how long the caller may sleep before the wheel has work:
// either an expiring level-0 slot or the next cascade boundary. ok is false
// when the wheel is empty.
func (w *TimerWheel) NextTimeout(now time.Time) (time.Duration, bool) {
	w.mu.Lock()
	if w.count == 0 {
		w.mu.Unlock()
		return 0, false
	}
	t := w.current + 1
	for ; t&wheelMask != 0; t++ {
		if w.levels[0][t&wheelMask].head != nil {
			break
		}
	}
	w.mu.Unlock()

	at := w.start.Add(time.Duration(t) * w.tick)
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Tick processes every tick up to now and fires the expired callbacks on
// the calling goroutine, in non-decreasing deadline order. It returns the
// number of callbacks run.
func (w *TimerWheel) Tick(now time.Time) int {
	target := w.floorTick(now)

	var fired []*timerEntry
	w.mu.Lock()
	for w.current < target {
		if w.count == 0 {
			w.current = target
			break
		}
		w.current++
		if w.current&wheelMask == 0 {
			hi := w.current >> wheelBits
			if hi&wheelMask == 0 {
				fired = w.cascade(2, int((w.current>>(2*wheelBits))&wheelMask), fired)
			}
			fired = w.cascade(1, int(hi&wheelMask), fired)
		}
		s := &w.levels[0][w.current&wheelMask]
		for e := s.take(); e != nil; {
			next := e.next
			e.prev, e.next, e.linked = nil, nil, false
			fired = append(fired, e)
			w.count--
			e = next
		}
	}
	w.mu.Unlock()

	n := 0
	for _, e := range fired {
		fn := e.fn
		if e.gen.CompareAndSwap(e.armed, e.armed+1) {
			w.entries.Put(e)
			n++
			w.fired.Add(1)
			fn()
			continue
		}
		// cancelled while in flight; cancel left the entry for us to recycle
		w.entries.Put(e)
	}
	return n
}

func (w *TimerWheel) cancel(h TimerHandle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !h.e.gen.CompareAndSwap(h.gen, h.gen+1) {
		return false
	}
	if h.e.linked {
		w.levels[h.e.level][h.e.index].remove(h.e)
		w.count--
		w.entries.Put(h.e)
	}
	w.cancelled.Add(1)
	return true
}

// place links e into the level/slot matching its distance from current.
// Caller holds mu and guarantees e.deadline > current.
func (w *TimerWheel) place(e *timerEntry) {
	delta := e.deadline - w.current
	var level int
	var index uint64
	switch {
	case delta < wheelSize:
		level, index = 0, e.deadline&wheelMask
	case delta < wheelSize*wheelSize:
		level, index = 1, (e.deadline>>wheelBits)&wheelMask
	case delta < maxSpan:
		level, index = 2, (e.deadline>>(2*wheelBits))&wheelMask
	default:
		// beyond the addressable span: park in the farthest slot, re-placed on cascade
		level, index = 2, ((w.current+maxSpan-1)>>(2*wheelBits))&wheelMask
	}
	e.level, e.index = level, int(index)
	w.levels[level][index].push(e)
}

// cascade re-places every entry of one coarser slot relative to current.
func (w *TimerWheel) cascade(level, index int, fired []*timerEntry) []*timerEntry {
	for e := w.levels[level][index].take(); e != nil; {
		next := e.next
		e.prev, e.next, e.linked = nil, nil, false
		if e.deadline <= w.current {
			fired = append(fired, e)
			w.count--
		} else {
			w.place(e)
		}
		e = next
	}
	return fired
}

func (w *TimerWheel) ceilTick(t time.Time) uint64 {
	d := t.Sub(w.start)
	if d <= 0 {
		return 0
	}
	return uint64((d + w.tick - 1) / w.tick)
}

func (w *TimerWheel) floorTick(t time.Time) uint64 {
	d := t.Sub(w.start)
	if d <= 0 {
		return 0
	}
	return uint64(d / w.tick)
}
