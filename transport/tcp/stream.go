// File: transport/tcp/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Readiness-driven TCP stream.

package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/momentics/hioload-h2/api"
	"github.com/momentics/hioload-h2/async"
)

// ErrClosed is returned by operations on a closed Stream or Listener.
var ErrClosed = fmt.Errorf("tcp: use of closed socket: %w", net.ErrClosed)

// Stream is a connected, non-blocking TCP socket. One task may read while
// another writes; concurrent readers (or writers) are not supported.
type Stream struct {
	fd     int
	reg    *async.IORegistration
	local  net.Addr
	remote net.Addr

	closeOnce sync.Once
	closeErr  error
}

func newStream(rt *async.Runtime, fd int) (*Stream, error) {
	reg, err := rt.RegisterIO(uintptr(fd))
	if err != nil {
		return nil, err
	}
	s := &Stream{fd: fd, reg: reg}
	s.local, s.remote = sysAddrs(fd)
	return s, nil
}

// LocalAddr returns the local endpoint.
func (s *Stream) LocalAddr() net.Addr { return s.local }

// RemoteAddr returns the peer endpoint.
func (s *Stream) RemoteAddr() net.Addr { return s.remote }

// ready waits for dir. ok is false when the caller must return pending or
// the error.
func (s *Stream) ready(cx *async.Context, dir api.Interest) (tick async.ReadyTick, ok bool, err error) {
	p := s.reg.PollReady(cx, dir)
	if !p.IsReady() {
		return 0, false, nil
	}
	if p.Err() != nil {
		return 0, false, mapClosed(p.Err())
	}
	return p.Value(), true, nil
}

// PollRead reads into p. It reports io.EOF once the peer closed its side.
func (s *Stream) PollRead(cx *async.Context, p []byte) async.Poll[int] {
	if len(p) == 0 {
		return async.Ready(0)
	}
	for {
		tick, ok, err := s.ready(cx, api.Readable)
		if !ok {
			if err != nil {
				return async.Fail[int](err)
			}
			return async.Pending[int]()
		}
		n, err := sysRead(s.fd, p)
		switch {
		case err == nil && n == 0:
			return async.Fail[int](io.EOF)
		case err == nil:
			return async.Ready(n)
		case isInterrupted(err):
		case isWouldBlock(err):
			s.reg.ClearReady(api.Readable, tick)
		default:
			return async.Fail[int](os.NewSyscallError("read", err))
		}
	}
}

// PollWrite writes a prefix of p and reports how much was accepted.
func (s *Stream) PollWrite(cx *async.Context, p []byte) async.Poll[int] {
	if len(p) == 0 {
		return async.Ready(0)
	}
	for {
		tick, ok, err := s.ready(cx, api.Writable)
		if !ok {
			if err != nil {
				return async.Fail[int](err)
			}
			return async.Pending[int]()
		}
		n, err := sysWrite(s.fd, p)
		switch {
		case err == nil:
			return async.Ready(n)
		case isInterrupted(err):
		case isWouldBlock(err):
			s.reg.ClearReady(api.Writable, tick)
		default:
			return async.Fail[int](os.NewSyscallError("write", err))
		}
	}
}

// Read returns a future for a single PollRead.
func (s *Stream) Read(p []byte) async.Future[int] {
	return async.FutureFunc[int](func(cx *async.Context) async.Poll[int] {
		return s.PollRead(cx, p)
	})
}

// Write returns a future for a single PollWrite.
func (s *Stream) Write(p []byte) async.Future[int] {
	return async.FutureFunc[int](func(cx *async.Context) async.Poll[int] {
		return s.PollWrite(cx, p)
	})
}

// ReadFull fills p completely. An EOF after a partial read is reported as
// io.ErrUnexpectedEOF.
func (s *Stream) ReadFull(p []byte) async.Future[int] {
	var n int
	return async.FutureFunc[int](func(cx *async.Context) async.Poll[int] {
		for n < len(p) {
			r := s.PollRead(cx, p[n:])
			if !r.IsReady() {
				return async.Pending[int]()
			}
			if err := r.Err(); err != nil {
				if errors.Is(err, io.EOF) && n > 0 {
					err = io.ErrUnexpectedEOF
				}
				return async.Fail[int](err)
			}
			n += r.Value()
		}
		return async.Ready(n)
	})
}

// WriteAll writes every byte of p.
func (s *Stream) WriteAll(p []byte) async.Future[int] {
	var n int
	return async.FutureFunc[int](func(cx *async.Context) async.Poll[int] {
		for n < len(p) {
			r := s.PollWrite(cx, p[n:])
			if !r.IsReady() {
				return async.Pending[int]()
			}
			if err := r.Err(); err != nil {
				return async.Fail[int](err)
			}
			n += r.Value()
		}
		return async.Ready(n)
	})
}

// CloseWrite shuts down the sending side; the peer reads EOF.
func (s *Stream) CloseWrite() error {
	if err := sysShutdownWrite(s.fd); err != nil {
		return os.NewSyscallError("shutdown", err)
	}
	return nil
}

// Close deregisters the socket and closes it. Parked operations fail with
// ErrClosed.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		rerr := s.reg.Close()
		if err := sysClose(s.fd); err != nil {
			s.closeErr = os.NewSyscallError("close", err)
			return
		}
		s.closeErr = rerr
	})
	return s.closeErr
}

func mapClosed(err error) error {
	if errors.Is(err, async.ErrRegistrationClosed) {
		return ErrClosed
	}
	return err
}
