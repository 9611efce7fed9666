//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// File: server/server_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/hioload-h2/async"
	"github.com/momentics/hioload-h2/client"
	"github.com/momentics/hioload-h2/control"
	"github.com/momentics/hioload-h2/protocol"
	"github.com/momentics/hioload-h2/protocol/hpack"
)

const testTimeout = 10 * time.Second

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
			t.Errorf("runtime Shutdown: %v", err)
		}
	})
	return rt
}

func run[T any](t *testing.T, rt *async.Runtime, fut async.Future[T]) (T, error) {
	t.Helper()
	return async.BlockOn(rt, async.Timeout(fut, testTimeout))
}

func echo(_ *protocol.Conn, req *protocol.Message) protocol.Response {
	return protocol.Response{
		Headers: protocol.ResponseHeaders(200, hpack.HeaderField{Name: "x-path", Value: req.Get(":path")}),
		Body:    req.Body,
	}
}

// startServer listens on a free loopback port and serves echo.
func startServer(t *testing.T, rt *async.Runtime, opts ...ServerOption) (*Server, *async.JoinHandle[struct{}]) {
	t.Helper()
	log := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	srv, err := NewServer(rt, cfg, echo, append([]ServerOption{WithLogger(log)}, opts...)...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h, err := async.Spawn(rt, srv.Serve())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_, _ = h.Wait(ctx)
	})
	return srv, h
}

func dial(t *testing.T, rt *async.Runtime, srv *Server) *client.Client {
	t.Helper()
	c, err := run(t, rt, client.Dial(rt, srv.Addr().String(), nil))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return c
}

func TestServeEcho(t *testing.T) {
	rt := newTestRuntime(t)
	probes := control.NewDebugProbes()
	srv, serving := startServer(t, rt, WithDebugProbes(probes))
	c := dial(t, rt, srv)

	body := bytes.Repeat([]byte("h2"), 100<<10)
	msg, err := run(t, rt, c.Post("/upload", body))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if msg.Status() != "200" || msg.Get("x-path") != "/upload" || !bytes.Equal(msg.Body, body) {
		t.Fatalf("response %v, %d bytes", msg.Headers, len(msg.Body))
	}
	msg, err = run(t, rt, c.Get("/second"))
	if err != nil || msg.StreamID != 3 {
		t.Fatalf("Get: %v %+v", err, msg)
	}
	if _, err := run(t, rt, c.Ping([8]byte{'r', 't', 't'})); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if st := probes.DumpState()["server"].(map[string]int64); st["accepted"] != 1 || st["active"] != 1 {
		t.Fatalf("server probe = %v", st)
	}
	if _, err := run(t, rt, c.Close()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := serving.Wait(ctx); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestMaxConnsRejectsExtraConnections(t *testing.T) {
	rt := newTestRuntime(t)
	srv, _ := startServer(t, rt, WithMaxConns(1))
	first := dial(t, rt, srv)
	if _, err := run(t, rt, first.Get("/a")); err != nil {
		t.Fatalf("first connection: %v", err)
	}

	second := dial(t, rt, srv)
	_, err := run(t, rt, second.Get("/b"))
	var ce *protocol.ConnError
	if !errors.As(err, &ce) {
		t.Fatalf("second connection Get = %v, want a connection error", err)
	}
	if st := srv.Stats(); st["rejected"] != 1 || st["accepted"] != 1 {
		t.Fatalf("stats = %v", st)
	}
	if _, err := run(t, rt, first.Get("/c")); err != nil {
		t.Fatalf("first connection after rejection: %v", err)
	}
}

func TestShutdownSendsGoAway(t *testing.T) {
	rt := newTestRuntime(t)
	srv, serving := startServer(t, rt)
	c := dial(t, rt, srv)
	if _, err := run(t, rt, c.Get("/warm")); err != nil {
		t.Fatal(err)
	}

	type result struct {
		goAway *protocol.Event
		err    error
	}
	var r result
	watch, err := async.Spawn(rt, async.FutureFunc[result](func(cx *async.Context) async.Poll[result] {
		for {
			p := c.Conn().PollFrame(cx)
			if !p.IsReady() {
				return async.Pending[result]()
			}
			ev, err := p.Result()
			if err != nil {
				r.err = err
				return async.Ready(r)
			}
			if ev.Kind == protocol.EventGoAway {
				r.goAway = &ev
			}
		}
	}))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := serving.Wait(ctx); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	r, err = watch.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.goAway == nil || r.goAway.LastStreamID != 1 || string(r.goAway.DebugData) != "shutdown" {
		t.Fatalf("GOAWAY = %+v", r.goAway)
	}
	if !errors.Is(r.err, protocol.ErrConnClosed) {
		t.Fatalf("connection ended with %v", r.err)
	}
	if srv.Stats()["active"] != 0 {
		t.Fatalf("active connections after shutdown: %v", srv.Stats())
	}
}
