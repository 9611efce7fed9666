// File: async/sleep.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timer-backed suspension points.

package async

import (
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-h2/internal/concurrency"
)

type sleepFuture struct {
	d        time.Duration
	deadline time.Time
	armed    bool
	fired    atomic.Bool
	waker    atomic.Pointer[Waker]
	handle   concurrency.TimerHandle
	release  func()
}

// Sleep completes d after it is first polled. Aborting the polling task
// cancels the underlying timer entry.
func Sleep(d time.Duration) Future[struct{}] {
	return &sleepFuture{d: d}
}

// SleepUntil completes at deadline.
func SleepUntil(deadline time.Time) Future[struct{}] {
	return &sleepFuture{deadline: deadline, d: -1}
}

func (s *sleepFuture) Poll(cx *Context) Poll[struct{}] {
	if s.fired.Load() {
		s.disarm()
		return Ready(struct{}{})
	}
	s.waker.Store(cx.Waker())
	if s.armed {
		return Pending[struct{}]()
	}
	if s.d >= 0 {
		if s.d == 0 {
			return Ready(struct{}{})
		}
		s.deadline = time.Now().Add(s.d)
	} else if !time.Now().Before(s.deadline) {
		return Ready(struct{}{})
	}
	h, err := cx.Runtime().scheduleTimer(s.deadline, func() {
		s.fired.Store(true)
		s.waker.Load().Wake()
	})
	if err != nil {
		return Fail[struct{}](err)
	}
	s.armed = true
	s.handle = h
	s.release = cx.OnCancel(func() { h.Cancel() })
	return Pending[struct{}]()
}

// cancel drops the timer entry if it has not fired yet.
func (s *sleepFuture) cancel() {
	if s.armed && !s.fired.Load() {
		s.handle.Cancel()
	}
	s.disarm()
}

func (s *sleepFuture) disarm() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

type timeoutFuture[T any] struct {
	inner Future[T]
	timer *sleepFuture
}

// Timeout fails with ErrTimeout when fut has not completed within d.
func Timeout[T any](fut Future[T], d time.Duration) Future[T] {
	return &timeoutFuture[T]{inner: fut, timer: &sleepFuture{d: d}}
}

func (f *timeoutFuture[T]) Poll(cx *Context) Poll[T] {
	if p := f.inner.Poll(cx); p.IsReady() {
		f.timer.cancel()
		return p
	}
	p := f.timer.Poll(cx)
	if !p.IsReady() {
		return Pending[T]()
	}
	if p.Err() != nil {
		return Fail[T](p.Err())
	}
	return Fail[T](ErrTimeout)
}

type yieldFuture struct{ yielded bool }

// Yield gives other tasks a chance to run before the caller continues.
func Yield() Future[struct{}] { return &yieldFuture{} }

func (y *yieldFuture) Poll(cx *Context) Poll[struct{}] {
	if y.yielded {
		return Ready(struct{}{})
	}
	y.yielded = true
	cx.Waker().Wake()
	return Pending[struct{}]()
}
