// File: async/iodriver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// I/O driver: maps reactor tokens to registrations that latch readiness and
// hold one parked waker per direction.

package async

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/hioload-h2/api"
	"github.com/momentics/hioload-h2/reactor"
)

// ErrRegistrationClosed is returned by operations on a closed IORegistration.
var ErrRegistrationClosed = fmt.Errorf("async: io registration closed: %w", api.ErrClosed)

type ioDriver struct {
	rt   *Runtime
	mu   sync.RWMutex
	regs map[api.Token]*IORegistration
	next api.Token
}

func newIODriver(rt *Runtime) *ioDriver {
	return &ioDriver{rt: rt, regs: make(map[api.Token]*IORegistration)}
}

func (d *ioDriver) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.regs)
}

// dispatch runs on the poller for every reactor event.
func (d *ioDriver) dispatch(ev api.Event) {
	d.mu.RLock()
	r := d.regs[ev.Token]
	d.mu.RUnlock()
	if r != nil {
		r.notify(ev)
	}
}

// ReadyTick identifies the readiness generation an operation observed. Pass
// it back to ClearReady so a readiness event that arrived after the
// operation failed with "would block" is not lost.
type ReadyTick uint64

// parked is a waker waiting on one direction plus the cancel hook that
// clears it if its task is aborted.
type parked struct {
	waker   *Waker
	release func()
}

// IORegistration tracks one descriptor. Interest is added to the reactor
// lazily, the first time an operation in that direction would block.
type IORegistration struct {
	driver   *ioDriver
	fd       uintptr
	token    api.Token
	mu       sync.Mutex
	ready    api.Interest
	tick     ReadyTick
	interest api.Interest
	hangup   bool
	failed   bool
	closed   bool
	readers  parked
	writers  parked
}

// RegisterIO hands out a token for fd. The descriptor is assumed ready in
// both directions until an operation reports otherwise.
func (rt *Runtime) RegisterIO(fd uintptr) (*IORegistration, error) {
	if rt.isClosing() {
		return nil, ErrRuntimeClosed
	}
	d := rt.io
	d.mu.Lock()
	d.next++
	r := &IORegistration{
		driver: d,
		fd:     fd,
		token:  d.next,
		ready:  api.ReadWrite,
	}
	d.regs[r.token] = r
	d.mu.Unlock()
	return r, nil
}

// Token returns the reactor token of the registration.
func (r *IORegistration) Token() api.Token { return r.token }

// PollReady reports whether dir may be attempted. When the direction is not
// known to be ready the caller's waker is parked and, on first use, interest
// is registered with the reactor.
func (r *IORegistration) PollReady(cx *Context, dir api.Interest) Poll[ReadyTick] {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Fail[ReadyTick](ErrRegistrationClosed)
	}
	if r.ready&dir != 0 {
		tick := r.tick
		r.mu.Unlock()
		return Ready(tick)
	}
	if r.interest&dir == 0 {
		if err := r.driver.rt.reactor.Register(r.fd, r.token, dir); err != nil && !errors.Is(err, reactor.ErrAlreadyRegistered) {
			r.mu.Unlock()
			return Fail[ReadyTick](err)
		}
		r.interest |= dir
	}
	w := cx.Waker()
	slot := r.slot(dir)
	fresh := slot.waker != w
	if fresh {
		if slot.release != nil {
			slot.release()
		}
		slot.waker, slot.release = w, nil
	}
	r.mu.Unlock()

	if fresh {
		// the hook may run immediately when the task is already cancelled,
		// so it is installed without holding mu
		release := cx.OnCancel(func() { r.clearWaker(dir, w) })
		r.mu.Lock()
		if slot.waker == w && slot.release == nil {
			slot.release = release
		} else {
			release()
		}
		r.mu.Unlock()
	}
	return Pending[ReadyTick]()
}

func (r *IORegistration) slot(dir api.Interest) *parked {
	if dir == api.Writable {
		return &r.writers
	}
	return &r.readers
}

// ClearReady records that dir returned "would block" at tick. It is a no-op
// when a newer readiness event has been seen since.
func (r *IORegistration) ClearReady(dir api.Interest, tick ReadyTick) {
	r.mu.Lock()
	sticky := r.failed || (dir == api.Readable && r.hangup)
	if r.tick == tick && !sticky {
		r.ready &^= dir
	}
	r.mu.Unlock()
}

// clearWaker drops the waker of an aborted task. When nobody is left waiting
// on the descriptor its reactor interest is removed as well; the next
// operation that would block registers it again.
func (r *IORegistration) clearWaker(dir api.Interest, w *Waker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.slot(dir)
	if slot.waker != w {
		return
	}
	slot.waker, slot.release = nil, nil
	if r.closed || r.interest == 0 || r.readers.waker != nil || r.writers.waker != nil {
		return
	}
	r.interest = 0
	err := r.driver.rt.reactor.Deregister(r.fd)
	if err != nil && !errors.Is(err, reactor.ErrClosed) && !errors.Is(err, reactor.ErrNotRegistered) {
		r.driver.rt.log.Debug("deregister failed", zap.Uint64("token", uint64(r.token)), zap.Error(err))
	}
}

// Interest reports the directions currently registered with the reactor.
func (r *IORegistration) Interest() api.Interest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interest
}

func (r *IORegistration) notify(ev api.Event) {
	var wake []*Waker
	r.mu.Lock()
	r.tick++
	if ev.Error {
		r.failed = true
	}
	if ev.Hangup {
		r.hangup = true
	}
	if ev.Readable || ev.Error || ev.Hangup {
		r.ready |= api.Readable
		if r.readers.waker != nil {
			wake = append(wake, r.readers.waker)
			if r.readers.release != nil {
				r.readers.release()
			}
			r.readers = parked{}
		}
	}
	if ev.Writable || ev.Error {
		r.ready |= api.Writable
		if r.writers.waker != nil {
			wake = append(wake, r.writers.waker)
			if r.writers.release != nil {
				r.writers.release()
			}
			r.writers = parked{}
		}
	}
	r.mu.Unlock()
	for _, w := range wake {
		w.Wake()
	}
}

// Close deregisters the descriptor from the reactor and fails parked
// operations. It does not close fd.
func (r *IORegistration) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	interest := r.interest
	wake := []*Waker{r.readers.waker, r.writers.waker}
	for _, p := range []parked{r.readers, r.writers} {
		if p.release != nil {
			p.release()
		}
	}
	r.readers, r.writers = parked{}, parked{}
	r.mu.Unlock()

	d := r.driver
	d.mu.Lock()
	delete(d.regs, r.token)
	d.mu.Unlock()

	var err error
	if interest != 0 {
		err = d.rt.reactor.Deregister(r.fd)
		if errors.Is(err, reactor.ErrClosed) || errors.Is(err, reactor.ErrNotRegistered) {
			err = nil
		}
		if err != nil {
			d.rt.log.Debug("deregister failed", zap.Uint64("token", uint64(r.token)), zap.Error(err))
		}
	}
	for _, w := range wake {
		w.Wake()
	}
	return err
}
