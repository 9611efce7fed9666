// File: protocol/frame/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package frame

import (
	"errors"
	"fmt"
)

var (
	ErrShortHeader        = errors.New("frame: fewer than 9 header bytes")
	ErrLengthMismatch     = errors.New("frame: declared length does not match available bytes")
	ErrFrameTooLarge      = errors.New("frame: payload exceeds max frame size")
	ErrInvalidLength      = errors.New("frame: invalid payload length for frame type")
	ErrZeroStreamID       = errors.New("frame: stream-scoped frame on stream 0")
	ErrNonZeroStreamID    = errors.New("frame: connection-scoped frame on a stream")
	ErrInvalidPadding     = errors.New("frame: pad length exceeds payload")
	ErrSettingsAckPayload = errors.New("frame: SETTINGS ack with payload")
	ErrZeroIncrement      = errors.New("frame: WINDOW_UPDATE with zero increment")
	ErrUnknownConnFrame   = errors.New("frame: unknown frame type on stream 0")
	ErrInvalidSetting     = errors.New("frame: setting value out of range")
)

// Error describes a malformed frame. Code is the error code a receiver
// answers with.
type Error struct {
	Type     FrameType
	StreamID uint32
	Code     ErrCode
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v (type=%v stream=%d code=%v)", e.Err, e.Type, e.StreamID, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(h FrameHeader, code ErrCode, err error) *Error {
	return &Error{Type: h.Type, StreamID: h.StreamID, Code: code, Err: err}
}
