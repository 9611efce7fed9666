// File: protocol/conn_recv.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Inbound frame dispatch.

package protocol

import (
	"errors"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/momentics/hioload-h2/api"
	"github.com/momentics/hioload-h2/protocol/frame"
	"github.com/momentics/hioload-h2/protocol/hpack"
)

var (
	errFirstFrame       = errors.New("first frame is not SETTINGS")
	errContinuation     = errors.New("unexpected CONTINUATION sequence")
	errIdleStream       = errors.New("frame on idle stream")
	errSelfDependency   = errors.New("stream depends on itself")
	errHeaderBlockSize  = errors.New("header block too large")
	errTrailersNoEnd    = errors.New("trailers without END_STREAM")
	errPushFromClient   = errors.New("PUSH_PROMISE sent by client")
	errPushNotAllowed   = errors.New("PUSH_PROMISE while push is disabled")
	errPushFromServer   = errors.New("server enabled push")
	errUnsolicitedAck   = errors.New("SETTINGS ACK without pending SETTINGS")
	errBadPromisedID    = errors.New("invalid promised stream id")
	errStreamNotCreated = errors.New("stream not created by the peer")
)

func (c *Conn) dispatch(f frame.Frame) error {
	if c.cont != nil {
		cf, ok := f.(*frame.ContinuationFrame)
		if !ok || cf.StreamID != c.cont.streamID {
			return connError(frame.ErrCodeProtocol, "", errContinuation)
		}
		return c.onContinuation(cf)
	}
	if !c.ready {
		if sf, ok := f.(*frame.SettingsFrame); !ok || sf.IsAck() {
			return connError(frame.ErrCodeProtocol, "", errFirstFrame)
		}
	}
	switch f := f.(type) {
	case *frame.DataFrame:
		return c.onData(f)
	case *frame.HeadersFrame:
		return c.onHeaders(f)
	case *frame.PriorityFrame:
		return c.onPriority(f)
	case *frame.RSTStreamFrame:
		return c.onReset(f)
	case *frame.SettingsFrame:
		return c.onSettings(f)
	case *frame.PushPromiseFrame:
		return c.onPushPromise(f)
	case *frame.PingFrame:
		return c.onPing(f)
	case *frame.GoAwayFrame:
		return c.onGoAway(f)
	case *frame.WindowUpdateFrame:
		return c.onWindowUpdate(f)
	case *frame.ContinuationFrame:
		return connError(frame.ErrCodeProtocol, "", errContinuation)
	}
	// Unknown frame types are ignored.
	return nil
}

func (c *Conn) onData(f *frame.DataFrame) error {
	n := uint32(f.FlowLen())
	if err := c.recvWin.Consume(n); err != nil {
		return connError(frame.ErrCodeFlowControl, "connection receive window", err)
	}
	c.refillConn()
	s, ok := c.streams[f.StreamID]
	if !ok {
		if c.isIdle(f.StreamID) {
			return connError(frame.ErrCodeProtocol, "DATA", errIdleStream)
		}
		return streamError(f.StreamID, frame.ErrCodeStreamClosed, ErrInvalidTransition)
	}
	if err := s.recv.Consume(n); err != nil {
		return streamError(s.id, frame.ErrCodeFlowControl, err)
	}
	end := f.EndStream()
	if err := s.onRecvData(end); err != nil {
		return err
	}
	if !end {
		if inc := s.recv.refill(int32(c.local.initialWindowSize)); inc > 0 {
			c.writeFrame(&frame.WindowUpdateFrame{StreamID: s.id, Increment: inc})
		}
	}
	if c.cfg.StreamEvents {
		if len(f.Data) > 0 || end {
			data := append([]byte(nil), f.Data...)
			c.emit(Event{Kind: EventData, StreamID: s.id, Data: data, EndStream: end})
		}
	} else {
		s.body = append(s.body, f.Data...)
	}
	if end {
		c.finishRecv(s)
	}
	return nil
}

// refillConn restores the connection receive window.
func (c *Conn) refillConn() {
	if inc := c.recvWin.refill(int32(c.cfg.ConnWindowSize)); inc > 0 {
		c.writeFrame(&frame.WindowUpdateFrame{Increment: inc})
	}
}

func (c *Conn) onHeaders(f *frame.HeadersFrame) error {
	hb := &headerBlock{
		streamID:  f.StreamID,
		endStream: f.EndStream(),
		block:     f.BlockFragment,
	}
	if f.HasPriority() {
		p := f.Priority
		hb.priority = &p
	}
	if !f.EndHeaders() {
		hb.block = append([]byte(nil), f.BlockFragment...)
		c.cont = hb
		return nil
	}
	return c.onHeaderBlock(hb)
}

func (c *Conn) onPushPromise(f *frame.PushPromiseFrame) error {
	switch {
	case c.server:
		return connError(frame.ErrCodeProtocol, "", errPushFromClient)
	case !c.local.enablePush:
		return connError(frame.ErrCodeProtocol, "", errPushNotAllowed)
	}
	hb := &headerBlock{
		streamID:   f.StreamID,
		promisedID: f.PromisedID,
		push:       true,
		block:      f.BlockFragment,
	}
	if !f.EndHeaders() {
		hb.block = append([]byte(nil), f.BlockFragment...)
		c.cont = hb
		return nil
	}
	return c.onHeaderBlock(hb)
}

func (c *Conn) onContinuation(f *frame.ContinuationFrame) error {
	hb := c.cont
	if len(hb.block)+len(f.BlockFragment) > maxHeaderBlock {
		return connError(frame.ErrCodeEnhanceYourCalm, "", errHeaderBlockSize)
	}
	hb.block = append(hb.block, f.BlockFragment...)
	if !f.EndHeaders() {
		return nil
	}
	c.cont = nil
	return c.onHeaderBlock(hb)
}

// onHeaderBlock decodes a complete block. Decoding always happens, even for
// streams that are then refused or ignored, to keep the tables in step.
func (c *Conn) onHeaderBlock(hb *headerBlock) error {
	fields, err := c.dec.Decode(hb.block)
	tooLarge := errors.Is(err, hpack.ErrHeaderListTooLarge)
	if err != nil && !tooLarge {
		return connError(frame.ErrCodeCompression, "", err)
	}
	if hb.push {
		return c.onPromisedRequest(hb, fields, err)
	}
	id := hb.streamID
	s, ok := c.streams[id]
	if !ok {
		if !c.isPeerID(id) {
			if c.isIdle(id) {
				return connError(frame.ErrCodeProtocol, "HEADERS", errStreamNotCreated)
			}
			return streamError(id, frame.ErrCodeStreamClosed, ErrInvalidTransition)
		}
		if !c.isIdle(id) {
			return streamError(id, frame.ErrCodeStreamClosed, ErrInvalidTransition)
		}
		if !c.server {
			return connError(frame.ErrCodeProtocol, "HEADERS", errStreamNotCreated)
		}
		c.lastPeerID = id
		if c.goAwaySent {
			return nil
		}
		if limit := c.local.maxConcurrent; c.countActive(false) >= limit {
			return streamError(id, frame.ErrCodeRefusedStream, api.Exhausted("protocol: concurrent streams", int(limit)))
		}
		s = newStream(id, false, c.peer.initialWindowSize, c.local.initialWindowSize)
		c.streams[id] = s
		c.m.StreamOpened()
	}
	if hb.priority != nil {
		if hb.priority.StreamDep == id {
			return streamError(id, frame.ErrCodeProtocol, errSelfDependency)
		}
		s.priority = *hb.priority
	}
	if err := s.onRecvHeaders(hb.endStream); err != nil {
		return err
	}
	if tooLarge {
		return streamError(id, frame.ErrCodeProtocol, err)
	}
	switch {
	case !s.gotHeaders:
		if !informational(fields) || hb.endStream {
			s.headers = fields
			s.gotHeaders = true
		}
	case !hb.endStream:
		return streamError(id, frame.ErrCodeProtocol, errTrailersNoEnd)
	default:
		s.trailers = fields
	}
	if c.cfg.StreamEvents {
		c.emit(Event{Kind: EventHeaders, StreamID: id, Headers: fields, EndStream: hb.endStream})
	}
	if hb.endStream {
		c.finishRecv(s)
	}
	return nil
}

// onPromisedRequest reserves the promised stream.
func (c *Conn) onPromisedRequest(hb *headerBlock, fields []hpack.HeaderField, decodeErr error) error {
	parent, ok := c.streams[hb.streamID]
	if !ok || !parent.local || (parent.state != StateOpen && parent.state != StateHalfClosedLocal) {
		return connError(frame.ErrCodeProtocol, "PUSH_PROMISE on a stream that is not open", ErrInvalidTransition)
	}
	pid := hb.promisedID
	if pid == 0 || !c.isPeerID(pid) || !c.isIdle(pid) {
		return connError(frame.ErrCodeProtocol, "", errBadPromisedID)
	}
	c.lastPeerID = pid
	s := newStream(pid, false, c.peer.initialWindowSize, c.local.initialWindowSize)
	if err := s.onPromise(false); err != nil {
		return err
	}
	c.streams[pid] = s
	c.m.StreamOpened()
	if decodeErr != nil {
		return streamError(pid, frame.ErrCodeProtocol, decodeErr)
	}
	c.emit(Event{Kind: EventPushPromise, StreamID: hb.streamID, PromisedID: pid, Headers: fields})
	return nil
}

// finishRecv delivers the completed inbound message.
func (c *Conn) finishRecv(s *stream) {
	msg := &Message{StreamID: s.id, Headers: s.headers, Trailers: s.trailers, Body: s.body}
	s.headers, s.trailers, s.body = nil, nil, nil
	c.emit(Event{Kind: EventMessage, StreamID: s.id, Message: msg, EndStream: true})
	c.maybeRemove(s)
}

func (c *Conn) onPriority(f *frame.PriorityFrame) error {
	if f.StreamDep == f.StreamID {
		return streamError(f.StreamID, frame.ErrCodeProtocol, errSelfDependency)
	}
	if s, ok := c.streams[f.StreamID]; ok {
		s.priority = f.PriorityParam
	}
	return nil
}

func (c *Conn) onReset(f *frame.RSTStreamFrame) error {
	s, ok := c.streams[f.StreamID]
	if !ok {
		if c.isIdle(f.StreamID) {
			return connError(frame.ErrCodeProtocol, "RST_STREAM", errIdleStream)
		}
		return nil
	}
	c.log.Warn("stream reset by peer", zap.Uint32("stream", s.id), zap.Stringer("code", f.Code))
	c.m.StreamReset(f.Code.String())
	s.onReset()
	c.removeStream(s)
	c.emit(Event{Kind: EventReset, StreamID: s.id, Code: f.Code, Err: streamError(s.id, f.Code, ErrStreamReset)})
	return nil
}

func (c *Conn) onSettings(f *frame.SettingsFrame) error {
	if f.IsAck() {
		if len(c.unacked) == 0 {
			return connError(frame.ErrCodeProtocol, "", errUnsolicitedAck)
		}
		acked := c.unacked[0]
		c.unacked = c.unacked[1:]
		c.settingsAcked(acked)
		return nil
	}
	for _, s := range f.Settings {
		if err := s.Valid(); err != nil {
			var fe *frame.Error
			code := frame.ErrCodeProtocol
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return connError(code, s.String(), err)
		}
		if err := c.applyPeer(s); err != nil {
			return err
		}
	}
	c.writeFrame(&frame.SettingsFrame{Flags: frame.FlagAck})
	c.enqueueAll()
	if !c.ready {
		c.ready = true
		c.log.Debug("peer settings applied")
	}
	c.emit(Event{Kind: EventSettings, Settings: append([]frame.Setting(nil), f.Settings...)})
	return nil
}

func (c *Conn) applyPeer(s frame.Setting) error {
	switch s.ID {
	case frame.SettingHeaderTableSize:
		c.peer.headerTableSize = s.Val
		if v := min(s.Val, maxEncoderTableSize); v != c.enc.Table().MaxSize() {
			c.enc.SetMaxDynamicTableSize(v)
		}
	case frame.SettingEnablePush:
		if !c.server && s.Val != 0 {
			return connError(frame.ErrCodeProtocol, "", errPushFromServer)
		}
		c.peer.enablePush = s.Val == 1
	case frame.SettingMaxConcurrentStreams:
		c.peer.maxConcurrent = s.Val
	case frame.SettingInitialWindowSize:
		delta := int64(s.Val) - int64(c.peer.initialWindowSize)
		for _, st := range c.streams {
			if err := st.send.Adjust(delta); err != nil {
				return connError(frame.ErrCodeFlowControl, "initial window size", err)
			}
		}
		c.peer.initialWindowSize = s.Val
	case frame.SettingMaxFrameSize:
		c.peer.maxFrameSize = s.Val
	case frame.SettingMaxHeaderListSize:
		c.peer.maxHeaderListSize = s.Val
	}
	return nil
}

// settingsAcked applies local limits that had to wait for the peer.
func (c *Conn) settingsAcked(settings []frame.Setting) {
	for _, s := range settings {
		switch s.ID {
		case frame.SettingHeaderTableSize:
			c.dec.SetMaxDynamicTableSize(s.Val)
		case frame.SettingMaxFrameSize:
			c.readMaxFrame = s.Val
		}
	}
}

func (c *Conn) onPing(f *frame.PingFrame) error {
	if !f.IsAck() {
		c.writeFrame(&frame.PingFrame{Flags: frame.FlagAck, Data: f.Data})
		return nil
	}
	if c.pingsInFlight > 0 {
		c.pingsInFlight--
	}
	c.emit(Event{Kind: EventPingAck, Ping: f.Data})
	return nil
}

func (c *Conn) onGoAway(f *frame.GoAwayFrame) error {
	c.goAwayRecv = true
	c.peerLastID = f.LastStreamID
	c.log.Info("goaway received", zap.Uint32("last_stream", f.LastStreamID), zap.Stringer("code", f.Code))
	for _, id := range slices.Sorted(maps.Keys(c.streams)) {
		s := c.streams[id]
		if !s.local || id <= f.LastStreamID {
			continue
		}
		s.onReset()
		c.removeStream(s)
		c.emit(Event{Kind: EventReset, StreamID: s.id, Code: frame.ErrCodeRefusedStream,
			Err: streamError(s.id, frame.ErrCodeRefusedStream, ErrRefusedByGoAway)})
	}
	c.emit(Event{
		Kind:         EventGoAway,
		LastStreamID: f.LastStreamID,
		Code:         f.Code,
		DebugData:    append([]byte(nil), f.DebugData...),
	})
	return nil
}

func (c *Conn) onWindowUpdate(f *frame.WindowUpdateFrame) error {
	if f.StreamID == 0 {
		if err := c.sendWin.Add(f.Increment); err != nil {
			return connError(frame.ErrCodeFlowControl, "connection send window", err)
		}
		c.enqueueAll()
		return nil
	}
	s, ok := c.streams[f.StreamID]
	if !ok {
		if c.isIdle(f.StreamID) {
			return connError(frame.ErrCodeProtocol, "WINDOW_UPDATE", errIdleStream)
		}
		return nil
	}
	if err := s.send.Add(f.Increment); err != nil {
		return streamError(s.id, frame.ErrCodeFlowControl, err)
	}
	c.enqueue(s)
	return nil
}
