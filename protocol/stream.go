// File: protocol/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-stream state machine (RFC 9113 §5.1).

package protocol

import (
	"github.com/momentics/hioload-h2/protocol/frame"
	"github.com/momentics/hioload-h2/protocol/hpack"
)

// StreamState is the lifecycle state of a stream.
type StreamState uint8

const (
	StateIdle StreamState = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateReservedLocal:    "reserved (local)",
	StateReservedRemote:   "reserved (remote)",
	StateOpen:             "open",
	StateHalfClosedLocal:  "half-closed (local)",
	StateHalfClosedRemote: "half-closed (remote)",
	StateClosed:           "closed",
}

func (s StreamState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Active reports states counted against SETTINGS_MAX_CONCURRENT_STREAMS.
func (s StreamState) Active() bool {
	return s == StateOpen || s == StateHalfClosedLocal || s == StateHalfClosedRemote
}

// stream is one entry of the Conn's stream table. It never refers back to
// the Conn; all outbound traffic is written by Conn methods.
type stream struct {
	id       uint32
	local    bool
	state    StreamState
	send     Window
	recv     Window
	priority frame.PriorityParam

	// inbound
	headers    []hpack.HeaderField
	trailers   []hpack.HeaderField
	body       []byte
	gotHeaders bool

	// outbound
	out         []byte
	endQueued   bool
	endSent     bool
	trailersOut []hpack.HeaderField
	queued      bool
}

func newStream(id uint32, local bool, sendWin, recvWin uint32) *stream {
	return &stream{
		id:       id,
		local:    local,
		send:     NewWindow(int32(sendWin)),
		recv:     NewWindow(int32(recvWin)),
		priority: frame.PriorityParam{Weight: 15},
	}
}

func (s *stream) invalid(code frame.ErrCode) error {
	return streamError(s.id, code, ErrInvalidTransition)
}

// pendingOutput reports DATA, trailers or END_STREAM still to be written.
func (s *stream) pendingOutput() bool {
	return len(s.out) > 0 || s.trailersOut != nil || (s.endQueued && !s.endSent)
}

func (s *stream) onSendHeaders(end bool) error {
	switch s.state {
	case StateIdle:
		s.state = StateOpen
	case StateReservedLocal:
		s.state = StateHalfClosedRemote
	case StateOpen, StateHalfClosedRemote:
	default:
		return s.invalid(frame.ErrCodeStreamClosed)
	}
	if end {
		s.closeLocal()
	}
	return nil
}

func (s *stream) onRecvHeaders(end bool) error {
	switch s.state {
	case StateIdle:
		s.state = StateOpen
	case StateReservedRemote:
		s.state = StateHalfClosedLocal
	case StateOpen, StateHalfClosedLocal:
	case StateReservedLocal:
		return s.invalid(frame.ErrCodeProtocol)
	default:
		return s.invalid(frame.ErrCodeStreamClosed)
	}
	if end {
		s.closeRemote()
	}
	return nil
}

func (s *stream) onSendData(end bool) error {
	switch s.state {
	case StateOpen, StateHalfClosedRemote:
	default:
		return s.invalid(frame.ErrCodeStreamClosed)
	}
	if end {
		s.closeLocal()
	}
	return nil
}

func (s *stream) onRecvData(end bool) error {
	switch s.state {
	case StateOpen, StateHalfClosedLocal:
	case StateHalfClosedRemote, StateClosed:
		return s.invalid(frame.ErrCodeStreamClosed)
	default:
		return s.invalid(frame.ErrCodeProtocol)
	}
	if end {
		s.closeRemote()
	}
	return nil
}

// onPromise reserves an idle stream for a push.
func (s *stream) onPromise(local bool) error {
	if s.state != StateIdle {
		return s.invalid(frame.ErrCodeProtocol)
	}
	if local {
		s.state = StateReservedLocal
	} else {
		s.state = StateReservedRemote
	}
	return nil
}

// onReset closes the stream from either side and drops pending output.
func (s *stream) onReset() {
	s.state = StateClosed
	s.out = nil
	s.trailersOut = nil
	s.endQueued = false
}

func (s *stream) closeLocal() {
	s.endSent = true
	if s.state == StateHalfClosedRemote {
		s.state = StateClosed
	} else {
		s.state = StateHalfClosedLocal
	}
}

func (s *stream) closeRemote() {
	if s.state == StateHalfClosedLocal {
		s.state = StateClosed
	} else {
		s.state = StateHalfClosedRemote
	}
}
