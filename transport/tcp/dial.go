// File: transport/tcp/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"net"
	"os"

	"github.com/momentics/hioload-h2/api"
	"github.com/momentics/hioload-h2/async"
)

type connectFuture struct {
	rt      *async.Runtime
	addr    string
	s       *Stream
	release func()
	armed   bool
}

// Connect starts a non-blocking connect to addr ("host:port") and completes
// once the socket is writable and SO_ERROR is clear. Host names are resolved
// synchronously on first poll; pass IP literals on hot paths.
func Connect(rt *async.Runtime, addr string) async.Future[*Stream] {
	return &connectFuture{rt: rt, addr: addr}
}

func (f *connectFuture) Poll(cx *async.Context) async.Poll[*Stream] {
	if f.s == nil {
		ta, err := net.ResolveTCPAddr("tcp", f.addr)
		if err != nil {
			return async.Fail[*Stream](err)
		}
		fd, inProgress, err := sysConnect(ta)
		if err != nil {
			return async.Fail[*Stream](err)
		}
		s, err := newStream(f.rt, fd)
		if err != nil {
			_ = sysClose(fd)
			return async.Fail[*Stream](err)
		}
		if !inProgress {
			return async.Ready(s)
		}
		f.s = s
		f.release = cx.OnCancel(func() { _ = s.Close() })
	}
	for {
		tick, ok, err := f.s.ready(cx, api.Writable)
		if !ok {
			if err != nil {
				return f.fail(err)
			}
			return async.Pending[*Stream]()
		}
		if !f.armed {
			// readiness is optimistic for fresh registrations
			f.armed = true
			f.s.reg.ClearReady(api.Writable, tick)
			continue
		}
		done, err := sysConnectResult(f.s.fd)
		if err != nil {
			return f.fail(os.NewSyscallError("connect", err))
		}
		if done {
			f.release()
			f.s.local, f.s.remote = sysAddrs(f.s.fd)
			return async.Ready(f.s)
		}
		f.s.reg.ClearReady(api.Writable, tick)
	}
}

func (f *connectFuture) fail(err error) async.Poll[*Stream] {
	f.release()
	_ = f.s.Close()
	return async.Fail[*Stream](err)
}
