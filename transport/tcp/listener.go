// File: transport/tcp/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking TCP listener.

package tcp

import (
	"net"
	"os"
	"sync"

	"github.com/momentics/hioload-h2/api"
	"github.com/momentics/hioload-h2/async"
)

// DefaultBacklog is the listen queue length.
const DefaultBacklog = 1024

// Listener accepts connections as Streams registered with the same runtime.
type Listener struct {
	rt   *async.Runtime
	fd   int
	reg  *async.IORegistration
	addr net.Addr

	closeOnce sync.Once
	closeErr  error
}

// Listen binds addr ("host:port"; port 0 picks a free port) and starts
// listening.
func Listen(rt *async.Runtime, addr string) (*Listener, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	fd, bound, err := sysListen(ta, DefaultBacklog)
	if err != nil {
		return nil, err
	}
	reg, err := rt.RegisterIO(uintptr(fd))
	if err != nil {
		_ = sysClose(fd)
		return nil, err
	}
	return &Listener{rt: rt, fd: fd, reg: reg, addr: bound}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.addr }

// PollAccept returns the next connection. The peer address is available
// through Stream.RemoteAddr.
func (l *Listener) PollAccept(cx *async.Context) async.Poll[*Stream] {
	for {
		p := l.reg.PollReady(cx, api.Readable)
		if !p.IsReady() {
			return async.Pending[*Stream]()
		}
		if p.Err() != nil {
			return async.Fail[*Stream](mapClosed(p.Err()))
		}
		fd, err := sysAccept(l.fd)
		switch {
		case err == nil:
			s, err := newStream(l.rt, fd)
			if err != nil {
				_ = sysClose(fd)
				return async.Fail[*Stream](err)
			}
			return async.Ready(s)
		case isInterrupted(err), isAborted(err):
		case isWouldBlock(err):
			l.reg.ClearReady(api.Readable, p.Value())
		default:
			return async.Fail[*Stream](os.NewSyscallError("accept", err))
		}
	}
}

// Accept returns a future for the next connection.
func (l *Listener) Accept() async.Future[*Stream] {
	return async.FutureFunc[*Stream](l.PollAccept)
}

// Close stops listening. A parked PollAccept fails with ErrClosed.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		rerr := l.reg.Close()
		if err := sysClose(l.fd); err != nil {
			l.closeErr = os.NewSyscallError("close", err)
			return
		}
		l.closeErr = rerr
	})
	return l.closeErr
}
