//go:build windows
// +build windows

// File: reactor/reactor_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows IOCP (I/O Completion Port) reactor. Completion ports report finished
// operations, not readiness, so every registered direction keeps one
// zero-byte overlapped WSARecv/WSASend probe in flight; its completion is
// reported as readiness. Probes are one-shot: a direction is re-armed by the
// next Register/Modify call covering it.

package reactor

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/momentics/hioload-h2/api"
)

// wakeKey marks completions posted by Wake.
const wakeKey = ^uintptr(0)

// probe is one outstanding zero-byte operation. Overlapped must stay the first
// field: completions hand back its address.
type probe struct {
	ov  windows.Overlapped
	fd  uintptr
	dir api.Interest
}

type iocpReactor struct {
	port       windows.Handle
	reg        *registry
	mu         sync.Mutex
	associated map[uintptr]bool
	inflight   map[*probe]struct{}
	armed      map[uintptr]api.Interest
	closed     atomic.Bool
	log        *zap.Logger
}

func newPoller(o options) (api.Reactor, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, os.NewSyscallError("CreateIoCompletionPort", err)
	}
	o.logger.Debug("iocp reactor created")
	return &iocpReactor{
		port:       port,
		reg:        newRegistry(o.maxRegistrations),
		associated: make(map[uintptr]bool),
		inflight:   make(map[*probe]struct{}),
		armed:      make(map[uintptr]api.Interest),
		log:        o.logger,
	}, nil
}

// arm starts probes for every direction of interest not already in flight.
func (r *iocpReactor) arm(fd uintptr, interest api.Interest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.associated[fd] {
		// a handle re-registered after Deregister is still bound to the port
		_, err := windows.CreateIoCompletionPort(windows.Handle(fd), r.port, fd, 0)
		if err != nil && !errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return os.NewSyscallError("CreateIoCompletionPort", err)
		}
		r.associated[fd] = true
	}
	for _, dir := range []api.Interest{api.Readable, api.Writable} {
		if interest&dir == 0 || r.armed[fd]&dir != 0 {
			continue
		}
		p := &probe{fd: fd, dir: dir}
		var buf windows.WSABuf
		var n, flags uint32
		var err error
		if dir == api.Readable {
			err = windows.WSARecv(windows.Handle(fd), &buf, 1, &n, &flags, &p.ov, nil)
		} else {
			err = windows.WSASend(windows.Handle(fd), &buf, 1, &n, 0, &p.ov, nil)
		}
		if err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
			return os.NewSyscallError("WSA probe", err)
		}
		r.inflight[p] = struct{}{}
		r.armed[fd] |= dir
	}
	return nil
}

func (r *iocpReactor) Register(fd uintptr, token api.Token, interest api.Interest) error {
	if r.closed.Load() {
		return ErrClosed
	}
	prev, existed, err := r.reg.add(fd, token, interest)
	if err != nil {
		return err
	}
	if err := r.arm(fd, interest); err != nil {
		r.reg.restore(fd, prev, existed)
		return err
	}
	return nil
}

func (r *iocpReactor) Modify(fd uintptr, token api.Token, interest api.Interest) error {
	if r.closed.Load() {
		return ErrClosed
	}
	prev, err := r.reg.replace(fd, token, interest)
	if err != nil {
		return err
	}
	if err := r.arm(fd, interest); err != nil {
		r.reg.restore(fd, prev, true)
		return err
	}
	return nil
}

func (r *iocpReactor) Deregister(fd uintptr) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if _, ok := r.reg.remove(fd); !ok {
		return ErrNotRegistered
	}
	r.mu.Lock()
	pending := r.armed[fd]
	delete(r.armed, fd)
	delete(r.associated, fd)
	r.mu.Unlock()
	if pending != 0 {
		// aborted probes still complete; Wait drops them as unregistered
		if err := windows.CancelIoEx(windows.Handle(fd), nil); err != nil && !errors.Is(err, windows.ERROR_NOT_FOUND) {
			return os.NewSyscallError("CancelIoEx", err)
		}
	}
	return nil
}

func (r *iocpReactor) Wait(events []api.Event, timeout time.Duration) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	wait := uint32(windows.INFINITE)
	if timeout >= 0 {
		wait = uint32(timeoutMillis(timeout))
	}
	count := 0
	for count < len(events) {
		var qty uint32
		var key uintptr
		var ov *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(r.port, &qty, &key, &ov, wait)
		// only the first dequeue may block
		wait = 0
		if ov == nil {
			if err != nil {
				if errno, ok := err.(windows.Errno); ok && errno == windows.WAIT_TIMEOUT {
					return count, nil
				}
				return count, os.NewSyscallError("GetQueuedCompletionStatus", err)
			}
			// posted by Wake
			continue
		}
		p := (*probe)(unsafe.Pointer(ov))
		r.mu.Lock()
		delete(r.inflight, p)
		if r.armed[p.fd]&p.dir != 0 {
			r.armed[p.fd] &^= p.dir
		}
		r.mu.Unlock()

		reg, ok := r.reg.lookup(p.fd)
		if !ok {
			continue
		}
		out := api.Event{Token: reg.token}
		if p.dir == api.Readable {
			out.Readable = true
		} else {
			out.Writable = true
		}
		if err != nil {
			out.Error = true
		}
		events[count] = out
		count++
	}
	return count, nil
}

func (r *iocpReactor) Wake() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := windows.PostQueuedCompletionStatus(r.port, 0, wakeKey, nil); err != nil {
		return os.NewSyscallError("PostQueuedCompletionStatus", err)
	}
	return nil
}

func (r *iocpReactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var result *multierror.Error
	r.mu.Lock()
	for fd := range r.armed {
		if err := windows.CancelIoEx(windows.Handle(fd), nil); err != nil && !errors.Is(err, windows.ERROR_NOT_FOUND) {
			result = multierror.Append(result, err)
		}
	}
	r.mu.Unlock()
	result = multierror.Append(result, windows.CloseHandle(r.port))
	r.log.Debug("iocp reactor closed", zap.Int("registrations", r.reg.len()))
	return result.ErrorOrNil()
}
