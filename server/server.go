// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/momentics/hioload-h2/async"
	"github.com/momentics/hioload-h2/protocol"
	"github.com/momentics/hioload-h2/protocol/frame"
	"github.com/momentics/hioload-h2/transport/tcp"
)

// NewServer binds cfg.ListenAddr on rt. Every accepted connection is served
// by h on its own task.
func NewServer(rt *async.Runtime, cfg *Config, h protocol.Handler, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		cfg:     *cfg,
		handler: h,
		log:     zap.NewNop(),
		conns:   make(map[uint64]*connTask),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("server")
	ln, err := tcp.Listen(rt, cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	if s.probes != nil {
		s.probes.RegisterProbe("server", func() any { return s.Stats() })
	}
	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Stats returns connection counters.
func (s *Server) Stats() map[string]int64 {
	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()
	return map[string]int64{
		"accepted": s.accepted.Load(),
		"rejected": s.rejected.Load(),
		"active":   int64(active),
	}
}

// Serve accepts connections until Shutdown. It resolves with nil once the
// listener is closed by Shutdown and fails on any other accept error.
func (s *Server) Serve() async.Future[struct{}] {
	return async.FutureFunc[struct{}](func(cx *async.Context) async.Poll[struct{}] {
		for {
			p := s.ln.PollAccept(cx)
			if !p.IsReady() {
				return async.Pending[struct{}]()
			}
			st, err := p.Result()
			if err != nil {
				if s.closed.Load() {
					return async.Ready(struct{}{})
				}
				s.log.Error("accept failed", zap.Error(err))
				return async.Fail[struct{}](err)
			}
			s.accept(cx.Runtime(), st)
		}
	})
}

func (s *Server) accept(rt *async.Runtime, st *tcp.Stream) {
	log := s.log.With(zap.Stringer("remote", st.RemoteAddr()))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || (s.cfg.MaxConns > 0 && len(s.conns) >= s.cfg.MaxConns) {
		s.rejected.Add(1)
		log.Warn("connection rejected", zap.Int("active", len(s.conns)))
		_ = st.Close()
		return
	}
	cfg := s.cfg.HTTP2
	cfg.Logger = log
	if cfg.Metrics == nil {
		cfg.Metrics = s.metrics
	}
	c, err := protocol.NewServerConn(st, cfg)
	if err != nil {
		log.Error("connection setup failed", zap.Error(err))
		_ = st.Close()
		return
	}
	s.nextID++
	ct := &connTask{s: s, id: s.nextID, c: c, st: st, log: log}
	ct.serve = protocol.ServeConn(c, s.handler)
	h, err := async.Spawn(rt, async.Future[struct{}](ct))
	if err != nil {
		log.Warn("connection task not spawned", zap.Error(err))
		_ = st.Close()
		return
	}
	ct.h = h
	s.conns[ct.id] = ct
	s.accepted.Add(1)
}

func (s *Server) forget(ct *connTask) {
	s.mu.Lock()
	delete(s.conns, ct.id)
	s.mu.Unlock()
}

// Shutdown stops accepting, sends GOAWAY on every connection and waits
// until in-flight streams finish or ctx expires. Connections still open
// at the deadline are aborted.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs *multierror.Error
	if s.closed.CompareAndSwap(false, true) {
		if err := s.ln.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.mu.Lock()
	tasks := slices.Collect(maps.Values(s.conns))
	s.mu.Unlock()
	s.log.Info("draining connections", zap.Int("count", len(tasks)))
	for _, ct := range tasks {
		ct.drain()
	}
	for _, ct := range tasks {
		if _, err := ct.h.Wait(ctx); err != nil && ctx.Err() != nil {
			ct.h.Abort()
			_ = ct.st.Close()
			errs = multierror.Append(errs, ctx.Err())
		}
	}
	return errs.ErrorOrNil()
}

// connTask serves one connection and, once drained, closes it after its
// last stream completes.
type connTask struct {
	s     *Server
	id    uint64
	c     *protocol.Conn
	st    *tcp.Stream
	log   *zap.Logger
	h     *async.JoinHandle[struct{}]
	serve async.Future[struct{}]

	draining atomic.Bool
	mu       sync.Mutex
	waker    *async.Waker

	goAwaySent bool
	closing    async.Future[struct{}]
}

func (ct *connTask) drain() {
	ct.draining.Store(true)
	ct.mu.Lock()
	w := ct.waker
	ct.mu.Unlock()
	w.Wake()
}

func (ct *connTask) Poll(cx *async.Context) async.Poll[struct{}] {
	ct.mu.Lock()
	ct.waker = cx.Waker()
	ct.mu.Unlock()
	p := ct.step(cx)
	if p.IsReady() {
		ct.s.forget(ct)
		if err := p.Err(); err != nil {
			ct.log.Warn("connection failed", zap.Error(err))
		}
	}
	return p
}

func (ct *connTask) step(cx *async.Context) async.Poll[struct{}] {
	if ct.closing != nil {
		return ct.closing.Poll(cx)
	}
	if ct.draining.Load() && !ct.goAwaySent {
		ct.goAwaySent = true
		ct.c.GoAway(frame.ErrCodeNo, []byte("shutdown"))
	}
	p := ct.serve.Poll(cx)
	if p.IsReady() || !ct.goAwaySent || ct.c.ActiveStreams() > 0 {
		return p
	}
	ct.closing = ct.c.Close()
	return ct.closing.Poll(cx)
}

var _ async.Future[struct{}] = (*connTask)(nil)
