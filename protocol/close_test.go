// File: protocol/close_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"errors"
	"sync/atomic"
	"syscall"
	"testing"

	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-h2/async"
	"github.com/momentics/hioload-h2/fake"
	"github.com/momentics/hioload-h2/protocol/frame"
)

// closingServer serves requests on c until asked to close, then closes c.
type closingServer struct {
	c       *Conn
	close   atomic.Bool
	waker   atomic.Pointer[async.Waker]
	closing async.Future[struct{}]
}

func (s *closingServer) stop() {
	s.close.Store(true)
	s.waker.Load().Wake()
}

func (s *closingServer) Poll(cx *async.Context) async.Poll[struct{}] {
	s.waker.Store(cx.Waker())
	if s.closing == nil && s.close.Load() {
		s.closing = s.c.Close()
	}
	if s.closing != nil {
		return s.closing.Poll(cx)
	}
	for {
		p := s.c.PollFrame(cx)
		if !p.IsReady() {
			return async.Pending[struct{}]()
		}
		ev, err := p.Result()
		if err != nil {
			return async.Fail[struct{}](err)
		}
		if ev.Kind == EventMessage {
			serveOne(s.c, echoHandler, ev.Message)
		}
	}
}

func TestServerCloseIsOrderlyForClient(t *testing.T) {
	rt := newTestRuntime(t)
	ct, st := fake.NewPipe(0)
	cli, err := NewClientConn(ct, testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServerConn(st, testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	cs := &closingServer{c: srv}
	jh, err := async.Spawn(rt, async.Future[struct{}](cs))
	if err != nil {
		t.Fatal(err)
	}
	run(t, rt, RoundTrip(cli, get("/before"), nil))

	cs.stop()
	// The PING is still unread by the server when it closes.
	out := run(t, rt, drive(cli, func(c *Conn) error { return c.Ping([8]byte{1}) }, nil))
	if !errors.Is(out.err, ErrConnClosed) {
		t.Fatalf("client ended with %v, want ErrConnClosed", out.err)
	}
	var ce *ConnError
	if errors.As(out.err, &ce) {
		t.Fatalf("client saw a connection error: %v", ce)
	}
	ga, ok := out.find(EventGoAway, 0)
	if !ok || ga.Code != frame.ErrCodeNo || ga.LastStreamID != 1 {
		t.Fatalf("GOAWAY = %+v", ga)
	}
	if _, err := jh.Wait(waitCtx(t)); err != nil {
		t.Fatalf("server: %v", err)
	}
	if !ct.Closed() || !st.Closed() {
		t.Fatalf("transports closed: client %v server %v", ct.Closed(), st.Closed())
	}
}

func TestClientCloseIsOrderlyForServer(t *testing.T) {
	p := newPair(t, testConfig(t), testConfig(t), echoHandler)
	run(t, p.rt, RoundTrip(p.client, get("/"), nil))
	p.shutdown(t)
	if err := p.client.Err(); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("client Err = %v", err)
	}
}

func TestResetAfterGoAwayIsOrderlyClose(t *testing.T) {
	rt, cli, rs := startRaw(t, testConfig(t))
	var g errgroup.Group
	g.Go(func() error {
		if err := rs.handshake(); err != nil {
			return err
		}
		return rs.fr.WriteGoAway(0, http2.ErrCodeNo, []byte("bye"))
	})
	out := run(t, rt, drive(cli, nil, func(c *Conn, ev Event, _ []Event) bool {
		if ev.Kind == EventGoAway {
			c.t.(*fake.Transport).SetRecvError(syscall.ECONNRESET)
		}
		return false
	}))
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(out.err, ErrConnClosed) || !errors.Is(out.err, syscall.ECONNRESET) {
		t.Fatalf("connection ended with %v", out.err)
	}
}

func TestResetWithoutGoAwayIsFatal(t *testing.T) {
	rt, cli, rs := startRaw(t, testConfig(t))
	var g errgroup.Group
	g.Go(func() error { return rs.handshake() })
	out := run(t, rt, drive(cli, nil, func(c *Conn, ev Event, _ []Event) bool {
		if ev.Kind == EventSettings {
			c.t.(*fake.Transport).SetRecvError(syscall.ECONNRESET)
		}
		return false
	}))
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	var ce *ConnError
	if !errors.As(out.err, &ce) || ce.Code != frame.ErrCodeInternal || errors.Is(out.err, ErrConnClosed) {
		t.Fatalf("connection ended with %v", out.err)
	}
}
