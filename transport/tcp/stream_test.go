//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// File: transport/tcp/stream_test.go
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-h2/async"
)

func newTestRuntime(t *testing.T) *async.Runtime {
	t.Helper()
	rt, err := async.NewRuntime(async.WithWorkers(2))
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return rt
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// echoOnce accepts one connection and echoes it until the peer half-closes.
func echoOnce(l *Listener) async.Future[int] {
	var (
		s       *Stream
		pending []byte
		total   int
		buf     = make([]byte, 4096)
	)
	return async.FutureFunc[int](func(cx *async.Context) async.Poll[int] {
		if s == nil {
			p := l.PollAccept(cx)
			if !p.IsReady() {
				return async.Pending[int]()
			}
			if p.Err() != nil {
				return async.Fail[int](p.Err())
			}
			s = p.Value()
		}
		for {
			for len(pending) > 0 {
				w := s.PollWrite(cx, pending)
				if !w.IsReady() {
					return async.Pending[int]()
				}
				if w.Err() != nil {
					s.Close()
					return async.Fail[int](w.Err())
				}
				pending = pending[w.Value():]
			}
			r := s.PollRead(cx, buf)
			if !r.IsReady() {
				return async.Pending[int]()
			}
			if errors.Is(r.Err(), io.EOF) {
				s.CloseWrite()
				s.Close()
				return async.Ready(total)
			}
			if r.Err() != nil {
				s.Close()
				return async.Fail[int](r.Err())
			}
			pending = buf[:r.Value()]
			total += r.Value()
		}
	})
}

func TestEcho(t *testing.T) {
	for _, size := range []int{1, 4096, 4 << 20} {
		rt := newTestRuntime(t)
		l, err := Listen(rt, "127.0.0.1:0")
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
		defer l.Close()
		srv, err := async.Spawn(rt, echoOnce(l))
		if err != nil {
			t.Fatal(err)
		}

		s, err := async.BlockOn(rt, Connect(rt, l.Addr().String()))
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		payload := bytes.Repeat([]byte("hioload"), size/7+1)[:size]

		var got bytes.Buffer
		var g errgroup.Group
		g.Go(func() error {
			if _, err := async.BlockOn(rt, s.WriteAll(payload)); err != nil {
				return err
			}
			return s.CloseWrite()
		})
		g.Go(func() error {
			buf := make([]byte, 64<<10)
			for {
				n, err := async.BlockOn(rt, s.Read(buf))
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				got.Write(buf[:n])
			}
		})
		if err := g.Wait(); err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if !bytes.Equal(got.Bytes(), payload) {
			t.Fatalf("size %d: echoed %d bytes, want %d", size, got.Len(), size)
		}
		n, err := srv.Wait(waitCtx(t))
		if err != nil || n != size {
			t.Fatalf("server = %d, %v", n, err)
		}
		s.Close()
	}
}

func TestAcceptAddresses(t *testing.T) {
	rt := newTestRuntime(t)
	l, err := Listen(rt, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	acc, err := async.Spawn(rt, l.Accept())
	if err != nil {
		t.Fatal(err)
	}
	c, err := async.BlockOn(rt, Connect(rt, l.Addr().String()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	s, err := acc.Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.RemoteAddr().String() != c.LocalAddr().String() {
		t.Errorf("accepted peer %v, client local %v", s.RemoteAddr(), c.LocalAddr())
	}
	if c.RemoteAddr().String() != l.Addr().String() {
		t.Errorf("client peer %v, listener %v", c.RemoteAddr(), l.Addr())
	}
}

func TestConnectRefused(t *testing.T) {
	rt := newTestRuntime(t)
	l, err := Listen(rt, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	_, err = async.BlockOn(rt, Connect(rt, addr))
	if !errors.Is(err, unix.ECONNREFUSED) {
		t.Fatalf("Connect = %v, want ECONNREFUSED", err)
	}
}

func TestConnectBadAddress(t *testing.T) {
	rt := newTestRuntime(t)
	if _, err := async.BlockOn(rt, Connect(rt, "not an address")); err == nil {
		t.Fatal("expected resolve error")
	}
}

func TestCloseWakesParkedReader(t *testing.T) {
	rt := newTestRuntime(t)
	l, err := Listen(rt, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	c, err := async.BlockOn(rt, Connect(rt, l.Addr().String()))
	if err != nil {
		t.Fatal(err)
	}
	rd, err := async.Spawn(rt, c.Read(make([]byte, 16)))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	select {
	case <-rd.Done():
		t.Fatal("read completed without data")
	default:
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := rd.Wait(waitCtx(t)); !errors.Is(err, ErrClosed) || !errors.Is(err, net.ErrClosed) {
		t.Fatalf("parked read = %v, want ErrClosed", err)
	}
	if _, err := async.BlockOn(rt, c.Read(make([]byte, 1))); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestListenerCloseWakesAccept(t *testing.T) {
	rt := newTestRuntime(t)
	l, err := Listen(rt, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	acc, err := async.Spawn(rt, l.Accept())
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	l.Close()
	if _, err := acc.Wait(waitCtx(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("accept = %v, want ErrClosed", err)
	}
}

func TestAbortConnectReleasesSocket(t *testing.T) {
	rt := newTestRuntime(t)
	// TEST-NET-1 is unroutable; the connect stays in progress
	h, err := async.Spawn(rt, Connect(rt, "192.0.2.1:9"))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	h.Abort()
	if _, err := h.Wait(waitCtx(t)); err == nil {
		t.Fatal("aborted connect succeeded")
	}
	if n := rt.Stats()["io_registrations"]; n != 0 {
		t.Errorf("io_registrations = %d after abort", n)
	}
}

func TestAbortedReadDropsReactorInterest(t *testing.T) {
	rt := newTestRuntime(t)
	l, err := Listen(rt, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	c, err := async.BlockOn(rt, Connect(rt, l.Addr().String()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	buf := make([]byte, 16)
	rd, err := async.Spawn(rt, c.Read(buf))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for c.reg.Interest() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("read never parked on the reactor")
		}
		time.Sleep(time.Millisecond)
	}
	if !rd.Abort() {
		t.Fatal("Abort reported the read as finished")
	}
	if got := c.reg.Interest(); got != 0 {
		t.Fatalf("interest after abort = %v, want none", got)
	}

	// The next read registers again and sees data written meanwhile.
	acc, err := async.Spawn(rt, l.Accept())
	if err != nil {
		t.Fatal(err)
	}
	s, err := acc.Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	rd, err = async.Spawn(rt, c.Read(buf))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := async.BlockOn(rt, s.WriteAll([]byte("ping"))); err != nil {
		t.Fatal(err)
	}
	n, err := rd.Wait(waitCtx(t))
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("read after abort = %q, %v", buf[:n], err)
	}
}
