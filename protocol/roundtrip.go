// File: protocol/roundtrip.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"errors"

	"go.uber.org/zap"

	"github.com/momentics/hioload-h2/async"
	"github.com/momentics/hioload-h2/protocol/hpack"
)

// RoundTrip sends one request on a client Conn and resolves with the
// response. Events of other streams seen meanwhile are dropped, so the
// future should own the connection while it runs.
func RoundTrip(c *Conn, headers []hpack.HeaderField, body []byte) async.Future[*Message] {
	var (
		id     uint32
		opened bool
	)
	return async.FutureFunc[*Message](func(cx *async.Context) async.Poll[*Message] {
		if !opened {
			h, err := c.OpenRequest(headers, body)
			if err != nil {
				return async.Fail[*Message](err)
			}
			id, opened = h.ID, true
		}
		for {
			p := c.PollFrame(cx)
			if !p.IsReady() {
				return async.Pending[*Message]()
			}
			ev, err := p.Result()
			if err != nil {
				return async.Fail[*Message](err)
			}
			switch {
			case ev.StreamID != id:
			case ev.Kind == EventMessage:
				return async.Ready(ev.Message)
			case ev.Kind == EventReset:
				return async.Fail[*Message](ev.Err)
			}
		}
	})
}

// Response is what a Handler returns for one request.
type Response struct {
	Headers  []hpack.HeaderField
	Body     []byte
	Trailers []hpack.HeaderField
}

// Handler answers a complete request. It runs on the task that drives the
// connection and must not block; Push may be called on c for req.StreamID.
type Handler func(c *Conn, req *Message) Response

// ServeConn answers requests on a server Conn until the peer closes the
// connection. It resolves with nil on an orderly close and fails with the
// connection error otherwise.
func ServeConn(c *Conn, h Handler) async.Future[struct{}] {
	return async.FutureFunc[struct{}](func(cx *async.Context) async.Poll[struct{}] {
		for {
			p := c.PollFrame(cx)
			if !p.IsReady() {
				return async.Pending[struct{}]()
			}
			ev, err := p.Result()
			if err != nil {
				if errors.Is(err, ErrConnClosed) {
					return async.Ready(struct{}{})
				}
				return async.Fail[struct{}](err)
			}
			if ev.Kind == EventMessage {
				serveOne(c, h, ev.Message)
			}
		}
	})
}

func serveOne(c *Conn, h Handler, req *Message) {
	resp := h(c, req)
	var err error
	if resp.Trailers == nil {
		err = c.Respond(req.StreamID, resp.Headers, resp.Body)
	} else if err = c.SendHeaders(req.StreamID, resp.Headers, false); err == nil {
		if len(resp.Body) > 0 {
			err = c.SendData(req.StreamID, resp.Body, false)
		}
		if err == nil {
			err = c.SendTrailers(req.StreamID, resp.Trailers)
		}
	}
	if err != nil {
		c.log.Warn("response not sent", zap.Uint32("stream", req.StreamID), zap.Error(err))
	}
}
