//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

// File: reactor/reactor_bsd.go
// Author: momentics <momentics@gmail.com>
//
// kqueue(2)-based reactor for Darwin and the BSDs. Read and write interest are
// separate EV_CLEAR filters; a non-blocking self-pipe interrupts Wait.

package reactor

import (
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-h2/api"
)

type kqueueReactor struct {
	kq     int
	wakeR  int
	wakeW  int
	reg    *registry
	raw    []unix.Kevent_t
	closed atomic.Bool
	log    *zap.Logger
}

func newPoller(o options) (api.Reactor, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(kq)

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(kq)
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			unix.Close(kq)
			return nil, os.NewSyscallError("setnonblock", err)
		}
	}
	r := &kqueueReactor{
		kq:    kq,
		wakeR: p[0],
		wakeW: p[1],
		reg:   newRegistry(o.maxRegistrations),
		raw:   make([]unix.Kevent_t, o.eventBatch),
		log:   o.logger,
	}
	var ch [1]unix.Kevent_t
	unix.SetKevent(&ch[0], r.wakeR, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
	if err := r.apply(ch[:]); err != nil {
		r.closeFds()
		return nil, err
	}
	o.logger.Debug("kqueue reactor created", zap.Int("kq", kq))
	return r, nil
}

func (r *kqueueReactor) apply(changes []unix.Kevent_t) error {
	if len(changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(r.kq, changes, nil, nil); err != nil {
		return os.NewSyscallError("kevent", err)
	}
	return nil
}

// changes builds the kevent list that moves fd from interest from to to.
func changes(fd uintptr, from, to api.Interest) []unix.Kevent_t {
	var out []unix.Kevent_t
	add := func(filter, flags int) {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, int(fd), filter, flags)
		out = append(out, ev)
	}
	switch {
	case to.IsReadable() && !from.IsReadable():
		add(unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
	case !to.IsReadable() && from.IsReadable():
		add(unix.EVFILT_READ, unix.EV_DELETE)
	}
	switch {
	case to.IsWritable() && !from.IsWritable():
		add(unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_CLEAR)
	case !to.IsWritable() && from.IsWritable():
		add(unix.EVFILT_WRITE, unix.EV_DELETE)
	}
	return out
}

func (r *kqueueReactor) Register(fd uintptr, token api.Token, interest api.Interest) error {
	if r.closed.Load() {
		return ErrClosed
	}
	prev, existed, err := r.reg.add(fd, token, interest)
	if err != nil {
		return err
	}
	if err := r.apply(changes(fd, prev.interest, prev.interest|interest)); err != nil {
		r.reg.restore(fd, prev, existed)
		return err
	}
	return nil
}

func (r *kqueueReactor) Modify(fd uintptr, token api.Token, interest api.Interest) error {
	if r.closed.Load() {
		return ErrClosed
	}
	prev, err := r.reg.replace(fd, token, interest)
	if err != nil {
		return err
	}
	if err := r.apply(changes(fd, prev.interest, interest)); err != nil {
		r.reg.restore(fd, prev, true)
		return err
	}
	return nil
}

func (r *kqueueReactor) Deregister(fd uintptr) error {
	if r.closed.Load() {
		return ErrClosed
	}
	prev, ok := r.reg.remove(fd)
	if !ok {
		return ErrNotRegistered
	}
	err := r.apply(changes(fd, prev.interest, 0))
	// closing a descriptor already drops its filters
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return err
	}
	return nil
}

func (r *kqueueReactor) Wait(events []api.Event, timeout time.Duration) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	if len(events) == 0 {
		return 0, nil
	}
	raw := r.raw
	if len(events) < len(raw) {
		raw = raw[:len(events)]
	}
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(r.kq, nil, raw, ts)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, os.NewSyscallError("kevent", err)
	}
	count := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		fd := uintptr(ev.Ident)
		if int(fd) == r.wakeR {
			r.drainWake()
			continue
		}
		reg, ok := r.reg.lookup(fd)
		if !ok {
			continue
		}
		out := api.Event{Token: reg.token}
		switch ev.Filter {
		case unix.EVFILT_READ:
			out.Readable = true
		case unix.EVFILT_WRITE:
			out.Writable = true
		}
		if ev.Flags&unix.EV_EOF != 0 {
			out.Hangup = true
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			out.Error = true
		}
		events[count] = out
		count++
	}
	return count, nil
}

func (r *kqueueReactor) Wake() error {
	if r.closed.Load() {
		return ErrClosed
	}
	_, err := unix.Write(r.wakeW, []byte{1})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return os.NewSyscallError("write", err)
	}
	return nil
}

func (r *kqueueReactor) drainWake() {
	var buf [64]byte
	for {
		if n, err := unix.Read(r.wakeR, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (r *kqueueReactor) closeFds() error {
	return multierror.Append(nil,
		unix.Close(r.wakeR),
		unix.Close(r.wakeW),
		unix.Close(r.kq),
	).ErrorOrNil()
}

func (r *kqueueReactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.log.Debug("kqueue reactor closed", zap.Int("registrations", r.reg.len()))
	return r.closeFds()
}
