// File: internal/concurrency/timerwheel_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-h2/api"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestWheel(t *testing.T, opts ...TimerWheelOption) (*TimerWheel, *time.Time) {
	t.Helper()
	now := epoch
	opts = append(opts, WithClock(func() time.Time { return now }))
	w, err := NewTimerWheel(time.Millisecond, epoch, opts...)
	if err != nil {
		t.Fatalf("NewTimerWheel: %v", err)
	}
	return w, &now
}

func TestTimerWheelInvalidTick(t *testing.T) {
	if _, err := NewTimerWheel(0, epoch); !errors.Is(err, ErrInvalidTick) {
		t.Fatalf("expected ErrInvalidTick, got %v", err)
	}
}

func TestTimerWheelFiresAtDeadline(t *testing.T) {
	w, _ := newTestWheel(t)
	fired := 0
	if _, err := w.ScheduleAt(epoch.Add(10*time.Millisecond), func() { fired++ }); err != nil {
		t.Fatal(err)
	}
	if n := w.Tick(epoch.Add(9 * time.Millisecond)); n != 0 || fired != 0 {
		t.Fatalf("fired early: n=%d fired=%d", n, fired)
	}
	if n := w.Tick(epoch.Add(10 * time.Millisecond)); n != 1 || fired != 1 {
		t.Fatalf("expected one fire, got n=%d fired=%d", n, fired)
	}
	if w.Len() != 0 {
		t.Errorf("Len = %d after fire", w.Len())
	}
}

func TestTimerWheelOrderAcrossLevels(t *testing.T) {
	w, _ := newTestWheel(t)
	delays := []time.Duration{
		70 * time.Second, // level 2
		3 * time.Millisecond,
		300 * time.Millisecond, // level 1
		255 * time.Millisecond,
		256 * time.Millisecond,
		65536 * time.Millisecond,
		1 * time.Millisecond,
	}
	var got []time.Duration
	for _, d := range delays {
		d := d
		if _, err := w.ScheduleAt(epoch.Add(d), func() { got = append(got, d) }); err != nil {
			t.Fatal(err)
		}
	}
	// advance in uneven steps
	for ms := 0; ms <= 71000; ms += 37 {
		w.Tick(epoch.Add(time.Duration(ms) * time.Millisecond))
	}
	w.Tick(epoch.Add(71 * time.Second))
	if len(got) != len(delays) {
		t.Fatalf("fired %d of %d timers", len(got), len(delays))
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("out of order: %v", got)
		}
	}
}

func TestTimerWheelBeyondSpan(t *testing.T) {
	w, _ := newTestWheel(t)
	// 2^24 ms is roughly 4.66 hours; schedule past it
	d := 5 * time.Hour
	fired := false
	if _, err := w.ScheduleAt(epoch.Add(d), func() { fired = true }); err != nil {
		t.Fatal(err)
	}
	w.Tick(epoch.Add(d - time.Millisecond))
	if fired {
		t.Fatal("fired before deadline")
	}
	w.Tick(epoch.Add(d))
	if !fired {
		t.Fatal("did not fire at deadline")
	}
}

func TestTimerWheelCancel(t *testing.T) {
	w, _ := newTestWheel(t)
	fired := false
	h, err := w.ScheduleAt(epoch.Add(5*time.Second), func() { fired = true })
	if err != nil {
		t.Fatal(err)
	}
	if !h.Cancel() {
		t.Fatal("first Cancel returned false")
	}
	if h.Cancel() {
		t.Fatal("second Cancel returned true")
	}
	if w.Len() != 0 {
		t.Fatalf("Len = %d after cancel", w.Len())
	}
	w.Tick(epoch.Add(10 * time.Second))
	if fired {
		t.Fatal("cancelled timer fired")
	}
	if s := w.Stats(); s.Cancelled != 1 || s.Fired != 0 || s.Scheduled != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestTimerWheelCancelAfterFire(t *testing.T) {
	w, _ := newTestWheel(t)
	h, _ := w.ScheduleAt(epoch.Add(time.Millisecond), func() {})
	w.Tick(epoch.Add(time.Millisecond))
	if h.Cancel() {
		t.Fatal("Cancel after fire returned true")
	}
	// reused entry must not be cancellable through the stale handle
	fired := false
	if _, err := w.ScheduleAt(epoch.Add(5*time.Millisecond), func() { fired = true }); err != nil {
		t.Fatal(err)
	}
	if h.Cancel() {
		t.Fatal("stale handle cancelled a recycled entry")
	}
	w.Tick(epoch.Add(5 * time.Millisecond))
	if !fired {
		t.Fatal("recycled entry did not fire")
	}
}

func TestTimerWheelPastDeadlineFiresNextTick(t *testing.T) {
	w, _ := newTestWheel(t)
	w.Tick(epoch.Add(100 * time.Millisecond))
	fired := false
	w.ScheduleAt(epoch, func() { fired = true })
	w.Tick(epoch.Add(101 * time.Millisecond))
	if !fired {
		t.Fatal("past deadline did not fire on next tick")
	}
}

func TestTimerWheelCapacity(t *testing.T) {
	w, _ := newTestWheel(t, WithMaxTimers(2))
	for i := 0; i < 2; i++ {
		if _, err := w.Schedule(time.Second, func() {}); err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
	}
	_, err := w.Schedule(time.Second, func() {})
	if !errors.Is(err, api.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if !api.IsRetryable(err) {
		t.Error("capacity error should be retryable")
	}
}

func TestTimerWheelNextTimeout(t *testing.T) {
	w, _ := newTestWheel(t)
	if _, ok := w.NextTimeout(epoch); ok {
		t.Fatal("empty wheel reported a timeout")
	}
	w.ScheduleAt(epoch.Add(20*time.Millisecond), func() {})
	d, ok := w.NextTimeout(epoch)
	if !ok || d != 20*time.Millisecond {
		t.Fatalf("NextTimeout = %v, %v; want 20ms", d, ok)
	}
	w2, _ := newTestWheel(t)
	w2.ScheduleAt(epoch.Add(time.Second), func() {})
	d, ok = w2.NextTimeout(epoch)
	if !ok || d > 256*time.Millisecond {
		t.Fatalf("NextTimeout for level-1 entry = %v; want at most one cascade period", d)
	}
}

func TestTimerWheelConcurrentScheduleCancel(t *testing.T) {
	w, err := NewTimerWheel(time.Millisecond, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h, err := w.Schedule(time.Hour, func() {})
				if err != nil {
					t.Error(err)
					return
				}
				h.Cancel()
			}
		}()
	}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				w.Tick(time.Now())
			}
		}
	}()
	wg.Wait()
	close(stop)
	if w.Len() != 0 {
		t.Fatalf("leaked %d timers", w.Len())
	}
}
