// File: client/client.go
// Package client dials HTTP/2 servers over the runtime's TCP streams.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Client owns one connection. Its request futures drive the connection
// while they run, so one request is in flight at a time; callers that want
// to multiplex drive Conn directly.

package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-h2/async"
	"github.com/momentics/hioload-h2/control"
	"github.com/momentics/hioload-h2/protocol"
	"github.com/momentics/hioload-h2/protocol/hpack"
	"github.com/momentics/hioload-h2/transport/tcp"
)

// Config holds client connection parameters.
type Config struct {
	Authority    string          // :authority of requests; defaults to the dial address
	Scheme       string          // :scheme of requests; defaults to "http"
	HTTP2        protocol.Config // local SETTINGS
	ReconnectMax int             // extra connect attempts after a failure (0 = none)
	Backoff      time.Duration   // delay before the first retry, doubled per attempt
	Timeout      time.Duration   // per-request deadline for Do (0 = none)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Scheme:  "http",
		HTTP2:   protocol.DefaultConfig(),
		Backoff: 50 * time.Millisecond,
	}
}

// Client is an HTTP/2 client connection.
type Client struct {
	cfg    Config
	conn   *protocol.Conn
	stream *tcp.Stream
	log    *zap.Logger
}

// Dial connects to addr and performs the client side of the preface. The
// future resolves before the server's SETTINGS arrive.
func Dial(rt *async.Runtime, addr string, cfg *Config) async.Future[*Client] {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Authority == "" {
		c.Authority = addr
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	log := control.OrNop(c.HTTP2.Logger).Named("client").With(zap.String("addr", addr))
	return async.Map(connect(rt, addr, c, log), func(st *tcp.Stream) (*Client, error) {
		h2 := c.HTTP2
		h2.Logger = log
		conn, err := protocol.NewClientConn(st, h2)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		return &Client{cfg: c, conn: conn, stream: st, log: log}, nil
	})
}

// connect retries failed connects with exponential backoff.
func connect(rt *async.Runtime, addr string, cfg Config, log *zap.Logger) async.Future[*tcp.Stream] {
	var (
		attempt int
		delay   = cfg.Backoff
		cur     = tcp.Connect(rt, addr)
		wait    async.Future[struct{}]
	)
	return async.FutureFunc[*tcp.Stream](func(cx *async.Context) async.Poll[*tcp.Stream] {
		for {
			if wait != nil {
				if p := wait.Poll(cx); !p.IsReady() {
					return async.Pending[*tcp.Stream]()
				}
				wait, cur = nil, tcp.Connect(rt, addr)
			}
			p := cur.Poll(cx)
			if !p.IsReady() || p.Err() == nil || attempt >= cfg.ReconnectMax {
				return p
			}
			attempt++
			log.Warn("connect failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(p.Err()))
			wait = async.Sleep(delay)
			delay *= 2
		}
	})
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *protocol.Conn { return c.conn }

// Do sends a request with the given method and resolves with the response.
// With Config.Timeout set it fails with async.ErrTimeout once the deadline passes.
func (c *Client) Do(method, path string, body []byte, extra ...hpack.HeaderField) async.Future[*protocol.Message] {
	headers := protocol.RequestHeaders(method, c.cfg.Scheme, c.cfg.Authority, path, extra...)
	fut := protocol.RoundTrip(c.conn, headers, body)
	if c.cfg.Timeout > 0 {
		fut = async.Timeout(fut, c.cfg.Timeout)
	}
	return fut
}

// Get is Do with GET and no body.
func (c *Client) Get(path string, extra ...hpack.HeaderField) async.Future[*protocol.Message] {
	return c.Do("GET", path, nil, extra...)
}

// Post is Do with POST.
func (c *Client) Post(path string, body []byte, extra ...hpack.HeaderField) async.Future[*protocol.Message] {
	return c.Do("POST", path, body, extra...)
}

// Ping sends a PING and resolves when the peer acknowledges it.
func (c *Client) Ping(data [8]byte) async.Future[time.Duration] {
	var (
		sent  bool
		start time.Time
	)
	return async.FutureFunc[time.Duration](func(cx *async.Context) async.Poll[time.Duration] {
		if !sent {
			if err := c.conn.Ping(data); err != nil {
				return async.Fail[time.Duration](err)
			}
			sent, start = true, time.Now()
		}
		for {
			p := c.conn.PollFrame(cx)
			if !p.IsReady() {
				return async.Pending[time.Duration]()
			}
			ev, err := p.Result()
			if err != nil {
				return async.Fail[time.Duration](err)
			}
			if ev.Kind == protocol.EventPingAck && ev.Ping == data {
				return async.Ready(time.Since(start))
			}
		}
	})
}

// Close sends GOAWAY and closes the socket.
func (c *Client) Close() async.Future[struct{}] {
	return c.conn.Close()
}
