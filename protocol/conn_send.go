// File: protocol/conn_send.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outbound operations and the DATA scheduler.

package protocol

import (
	"go.uber.org/zap"

	"github.com/momentics/hioload-h2/api"
	"github.com/momentics/hioload-h2/protocol/frame"
	"github.com/momentics/hioload-h2/protocol/hpack"
)

// StreamHandle names a stream opened through the Conn.
type StreamHandle struct {
	ID uint32
}

func (c *Conn) checkOpen() error {
	if c.closing {
		return ErrConnClosed
	}
	return nil
}

// OpenRequest starts a client request. A nil body ends the stream with the
// HEADERS frame; otherwise the body is queued and sent as DATA ending the
// stream.
func (c *Conn) OpenRequest(headers []hpack.HeaderField, body []byte) (StreamHandle, error) {
	h, err := c.OpenStream(headers, body == nil)
	if err != nil || body == nil {
		return h, err
	}
	return h, c.SendData(h.ID, body, true)
}

// OpenStream starts a client stream with HEADERS only; DATA follows through
// SendData.
func (c *Conn) OpenStream(headers []hpack.HeaderField, end bool) (StreamHandle, error) {
	if err := c.checkOpen(); err != nil {
		return StreamHandle{}, err
	}
	if c.server {
		return StreamHandle{}, ErrWrongRole
	}
	if c.goAwayRecv {
		return StreamHandle{}, streamError(0, frame.ErrCodeRefusedStream, ErrRefusedByGoAway)
	}
	if c.nextLocalID > frame.MaxStreamID {
		return StreamHandle{}, ErrStreamIDsExhausted
	}
	if limit := c.peer.maxConcurrent; c.countActive(true) >= limit {
		return StreamHandle{}, api.Exhausted("protocol: concurrent streams", int(limit))
	}
	s := c.newLocalStream()
	if err := s.onSendHeaders(end); err != nil {
		return StreamHandle{}, err
	}
	c.writeHeaderBlock(s.id, headers, end)
	c.maybeRemove(s)
	return StreamHandle{ID: s.id}, nil
}

func (c *Conn) newLocalStream() *stream {
	s := newStream(c.nextLocalID, true, c.peer.initialWindowSize, c.local.initialWindowSize)
	c.nextLocalID += 2
	c.streams[s.id] = s
	c.m.StreamOpened()
	return s
}

func (c *Conn) stream(id uint32) (*stream, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	s, ok := c.streams[id]
	if !ok {
		return nil, ErrUnknownStream
	}
	return s, nil
}

// Respond answers a peer stream: HEADERS, then body as DATA, ending the
// stream. It also completes a reserved push stream.
func (c *Conn) Respond(id uint32, headers []hpack.HeaderField, body []byte) error {
	if err := c.SendHeaders(id, headers, len(body) == 0); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return c.SendData(id, body, true)
}

// SendHeaders writes a HEADERS block on a stream that has no queued output.
func (c *Conn) SendHeaders(id uint32, headers []hpack.HeaderField, end bool) error {
	s, err := c.stream(id)
	if err != nil {
		return err
	}
	if s.pendingOutput() || s.endQueued {
		return s.invalid(frame.ErrCodeProtocol)
	}
	if err := s.onSendHeaders(end); err != nil {
		return err
	}
	c.writeHeaderBlock(id, headers, end)
	c.maybeRemove(s)
	return nil
}

// SendData queues p for the stream. Bytes leave as flow-control windows
// allow; end closes the sending side after the last byte.
func (c *Conn) SendData(id uint32, p []byte, end bool) error {
	s, err := c.stream(id)
	if err != nil {
		return err
	}
	switch {
	case s.endQueued || s.endSent:
		return s.invalid(frame.ErrCodeStreamClosed)
	case s.state != StateOpen && s.state != StateHalfClosedRemote:
		return s.invalid(frame.ErrCodeStreamClosed)
	}
	s.out = append(s.out, p...)
	s.endQueued = end
	c.enqueue(s)
	return nil
}

// SendTrailers ends the stream with a trailing HEADERS block written after
// all queued DATA.
func (c *Conn) SendTrailers(id uint32, trailers []hpack.HeaderField) error {
	s, err := c.stream(id)
	if err != nil {
		return err
	}
	if s.endQueued || s.endSent || (s.state != StateOpen && s.state != StateHalfClosedRemote) {
		return s.invalid(frame.ErrCodeStreamClosed)
	}
	if trailers == nil {
		trailers = []hpack.HeaderField{}
	}
	s.trailersOut = trailers
	s.endQueued = true
	c.enqueue(s)
	return nil
}

// Push reserves the next even stream id for a server push associated with
// parent and sends PUSH_PROMISE carrying the promised request. The response
// goes out through Respond on the returned stream.
func (c *Conn) Push(parent uint32, request []hpack.HeaderField) (StreamHandle, error) {
	ps, err := c.stream(parent)
	if err != nil {
		return StreamHandle{}, err
	}
	switch {
	case !c.server:
		return StreamHandle{}, ErrWrongRole
	case !c.peer.enablePush:
		return StreamHandle{}, ErrPushDisabled
	case ps.local || (ps.state != StateOpen && ps.state != StateHalfClosedRemote):
		return StreamHandle{}, ps.invalid(frame.ErrCodeProtocol)
	case c.nextLocalID > frame.MaxStreamID:
		return StreamHandle{}, ErrStreamIDsExhausted
	}
	s := c.newLocalStream()
	if err := s.onPromise(true); err != nil {
		return StreamHandle{}, err
	}
	c.hbuf = c.enc.Encode(c.hbuf[:0], request)
	block := c.hbuf
	limit := int(c.peer.maxFrameSize) - 4
	first := block[:min(len(block), limit)]
	block = block[len(first):]
	var flags frame.Flags
	if len(block) == 0 {
		flags |= frame.FlagEndHeaders
	}
	c.writeFrame(&frame.PushPromiseFrame{StreamID: parent, Flags: flags, PromisedID: s.id, BlockFragment: first})
	c.writeContinuations(parent, block)
	return StreamHandle{ID: s.id}, nil
}

// ResetStream aborts a stream with RST_STREAM(code). Resetting an unknown or
// finished stream is a no-op.
func (c *Conn) ResetStream(id uint32, code frame.ErrCode) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	s, ok := c.streams[id]
	if !ok {
		return nil
	}
	c.writeFrame(&frame.RSTStreamFrame{StreamID: id, Code: code})
	c.m.StreamReset(code.String())
	s.onReset()
	c.removeStream(s)
	return nil
}

// Ping sends a PING; the acknowledgement surfaces as EventPingAck.
func (c *Conn) Ping(data [8]byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.writeFrame(&frame.PingFrame{Data: data})
	c.pingsInFlight++
	return nil
}

// UpdateSettings announces new local settings. Receive-side limits that
// shrink take effect when the peer acknowledges them.
func (c *Conn) UpdateSettings(settings ...frame.Setting) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	for _, s := range settings {
		if err := s.Valid(); err != nil {
			return api.NewError(api.ErrCodeInvalidArgument, "protocol: "+err.Error())
		}
		if s.ID == frame.SettingEnablePush && c.server && s.Val != 0 {
			return ErrWrongRole
		}
	}
	if err := c.applyLocal(settings); err != nil {
		return err
	}
	c.writeSettings(settings)
	return nil
}

// GoAway announces that no peer stream above the last processed id will be
// handled. Running streams continue; the transport stays open until Close.
func (c *Conn) GoAway(code frame.ErrCode, debug []byte) {
	if c.closing {
		return
	}
	c.goAwaySent = true
	c.goAwayLast = c.lastPeerID
	c.writeFrame(&frame.GoAwayFrame{LastStreamID: c.lastPeerID, Code: code, DebugData: debug})
	c.log.Info("goaway sent", zap.Uint32("last_stream", c.lastPeerID), zap.Stringer("code", code))
}

// applyLocal records settings we advertise. Values that widen what the peer
// may send apply at once.
func (c *Conn) applyLocal(settings []frame.Setting) error {
	for _, s := range settings {
		switch s.ID {
		case frame.SettingHeaderTableSize:
			c.local.headerTableSize = s.Val
		case frame.SettingEnablePush:
			c.local.enablePush = s.Val == 1
		case frame.SettingMaxConcurrentStreams:
			c.local.maxConcurrent = s.Val
		case frame.SettingInitialWindowSize:
			delta := int64(s.Val) - int64(c.local.initialWindowSize)
			for _, st := range c.streams {
				if err := st.recv.Adjust(delta); err != nil {
					return api.NewError(api.ErrCodeInvalidArgument, "protocol: initial window overflows a stream window")
				}
			}
			c.local.initialWindowSize = s.Val
		case frame.SettingMaxFrameSize:
			c.local.maxFrameSize = s.Val
			c.readMaxFrame = max(c.readMaxFrame, s.Val)
		case frame.SettingMaxHeaderListSize:
			c.local.maxHeaderListSize = s.Val
			c.dec.SetMaxHeaderListSize(s.Val)
		}
	}
	return nil
}

func (c *Conn) writeSettings(settings []frame.Setting) {
	c.unacked = append(c.unacked, settings)
	c.writeFrame(&frame.SettingsFrame{Settings: settings})
}

// writeHeaderBlock encodes fields and writes HEADERS plus CONTINUATION
// frames sized to the peer's max frame size.
func (c *Conn) writeHeaderBlock(id uint32, fields []hpack.HeaderField, end bool) {
	c.hbuf = c.enc.Encode(c.hbuf[:0], fields)
	block := c.hbuf
	first := block[:min(len(block), int(c.peer.maxFrameSize))]
	block = block[len(first):]
	var flags frame.Flags
	if end {
		flags |= frame.FlagEndStream
	}
	if len(block) == 0 {
		flags |= frame.FlagEndHeaders
	}
	c.writeFrame(&frame.HeadersFrame{StreamID: id, Flags: flags, BlockFragment: first})
	c.writeContinuations(id, block)
}

func (c *Conn) writeContinuations(id uint32, block []byte) {
	for len(block) > 0 {
		chunk := block[:min(len(block), int(c.peer.maxFrameSize))]
		block = block[len(chunk):]
		var flags frame.Flags
		if len(block) == 0 {
			flags = frame.FlagEndHeaders
		}
		c.writeFrame(&frame.ContinuationFrame{StreamID: id, Flags: flags, BlockFragment: chunk})
	}
}

// enqueue puts a stream with pending output on the send queue once.
func (c *Conn) enqueue(s *stream) {
	if s.queued || !s.pendingOutput() {
		return
	}
	s.queued = true
	c.sendQueue.Add(s.id)
}

// enqueueAll requeues every stream with pending output, after a window
// grew.
func (c *Conn) enqueueAll() {
	for _, s := range c.streams {
		c.enqueue(s)
	}
}

// scheduleData writes DATA round-robin, one frame per stream per turn,
// until the queue drains, windows close or enough output is buffered.
func (c *Conn) scheduleData() {
	for c.sendQueue.Length() > 0 && c.outPending() < outHighWater {
		id := c.sendQueue.Remove().(uint32)
		s, ok := c.streams[id]
		if !ok {
			continue
		}
		s.queued = false
		if !c.writeChunk(s) {
			continue
		}
		if s.pendingOutput() {
			c.enqueue(s)
		} else {
			c.maybeRemove(s)
		}
	}
}

// writeChunk writes the next frame of s. It reports false when a window
// blocks the stream; a window update requeues it.
func (c *Conn) writeChunk(s *stream) bool {
	if len(s.out) == 0 {
		if s.trailersOut != nil {
			trailers := s.trailersOut
			s.trailersOut = nil
			if err := s.onSendHeaders(true); err != nil {
				c.handleError(err)
				return false
			}
			c.writeHeaderBlock(s.id, trailers, true)
			return true
		}
		if s.endQueued && !s.endSent {
			if err := s.onSendData(true); err != nil {
				c.handleError(err)
				return false
			}
			c.writeFrame(&frame.DataFrame{StreamID: s.id, Flags: frame.FlagEndStream})
		}
		return true
	}
	n := min(int64(len(s.out)), int64(c.peer.maxFrameSize),
		int64(s.send.Available()), int64(c.sendWin.Available()))
	if n <= 0 {
		c.m.FlowStall()
		if ce := c.log.Check(zap.DebugLevel, "flow-control stall"); ce != nil {
			ce.Write(zap.Uint32("stream", s.id), zap.Int32("stream_window", s.send.Available()),
				zap.Int32("conn_window", c.sendWin.Available()))
		}
		return false
	}
	end := int(n) == len(s.out) && s.endQueued && s.trailersOut == nil
	if err := s.send.Consume(uint32(n)); err != nil {
		c.handleError(streamError(s.id, frame.ErrCodeFlowControl, err))
		return false
	}
	if err := c.sendWin.Consume(uint32(n)); err != nil {
		c.handleError(connError(frame.ErrCodeFlowControl, "connection send window", err))
		return false
	}
	if err := s.onSendData(end); err != nil {
		c.handleError(err)
		return false
	}
	var flags frame.Flags
	if end {
		flags = frame.FlagEndStream
	}
	c.writeFrame(&frame.DataFrame{StreamID: s.id, Flags: flags, Data: s.out[:n]})
	s.out = s.out[n:]
	if len(s.out) == 0 {
		s.out = nil
	}
	return true
}
