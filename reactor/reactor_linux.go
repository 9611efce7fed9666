//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based reactor: edge-triggered registrations plus an eventfd
// used to interrupt a blocked Wait.

package reactor

import (
	"encoding/binary"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-h2/api"
)

// epollReactor is an epoll-based event reactor.
type epollReactor struct {
	epfd   int
	wakefd int
	reg    *registry
	raw    []unix.EpollEvent // owned by the single Wait caller
	closed atomic.Bool
	log    *zap.Logger
}

func newPoller(o options) (api.Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	o.logger.Debug("epoll reactor created", zap.Int("epfd", epfd))
	return &epollReactor{
		epfd:   epfd,
		wakefd: wakefd,
		reg:    newRegistry(o.maxRegistrations),
		raw:    make([]unix.EpollEvent, o.eventBatch),
		log:    o.logger,
	}, nil
}

func epollFlags(interest api.Interest) uint32 {
	flags := uint32(unix.EPOLLET | unix.EPOLLRDHUP)
	if interest.IsReadable() {
		flags |= unix.EPOLLIN
	}
	if interest.IsWritable() {
		flags |= unix.EPOLLOUT
	}
	return flags
}

// Register adds fd to the epoll set, or widens an existing registration.
func (r *epollReactor) Register(fd uintptr, token api.Token, interest api.Interest) error {
	if r.closed.Load() {
		return ErrClosed
	}
	prev, existed, err := r.reg.add(fd, token, interest)
	if err != nil {
		return err
	}
	op := unix.EPOLL_CTL_ADD
	if existed {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: epollFlags(prev.interest | interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, int(fd), &ev); err != nil {
		r.reg.restore(fd, prev, existed)
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Modify replaces the interest set of fd.
func (r *epollReactor) Modify(fd uintptr, token api.Token, interest api.Interest) error {
	if r.closed.Load() {
		return ErrClosed
	}
	prev, err := r.reg.replace(fd, token, interest)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: epollFlags(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(fd), &ev); err != nil {
		r.reg.restore(fd, prev, true)
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Deregister removes fd from the epoll set.
func (r *epollReactor) Deregister(fd uintptr) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if _, ok := r.reg.remove(fd); !ok {
		return ErrNotRegistered
	}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	if err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Wait blocks for readiness and translates kernel events into api.Event values.
func (r *epollReactor) Wait(events []api.Event, timeout time.Duration) (int, error) {
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
	n, err := unix.EpollWait(r.epfd, raw, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	count := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		fd := uintptr(ev.Fd)
		if int(ev.Fd) == r.wakefd {
			r.drainWake()
			continue
		}
		reg, ok := r.reg.lookup(fd)
		if !ok {
			// deregistered between the kernel report and now
			continue
		}
		out := api.Event{Token: reg.token}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLPRI) != 0 {
			out.Readable = true
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			out.Writable = true
		}
		if ev.Events&unix.EPOLLERR != 0 {
			out.Error = true
			out.Readable, out.Writable = true, true
		}
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			out.Hangup = true
			out.Readable = true
		}
		events[count] = out
		count++
	}
	return count, nil
}

// Wake interrupts Wait by bumping the eventfd counter.
func (r *epollReactor) Wake() error {
	if r.closed.Load() {
		return ErrClosed
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(r.wakefd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return os.NewSyscallError("write", err)
	}
	return nil
}

func (r *epollReactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close closes the eventfd and the epoll instance.
func (r *epollReactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err1 := unix.Close(r.wakefd)
	err2 := unix.Close(r.epfd)
	r.log.Debug("epoll reactor closed", zap.Int("registrations", r.reg.len()))
	return multierror.Append(nil, err1, err2).ErrorOrNil()
}
