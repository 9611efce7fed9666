// File: protocol/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-h2/api"
	"github.com/momentics/hioload-h2/protocol/frame"
)

var (
	ErrConnClosed         = fmt.Errorf("protocol: connection closed: %w", api.ErrClosed)
	ErrRefusedByGoAway    = errors.New("protocol: stream refused by GOAWAY")
	ErrStreamIDsExhausted = errors.New("protocol: stream ids exhausted")
	ErrUnknownStream      = fmt.Errorf("protocol: unknown stream: %w", api.ErrNotFound)
	ErrInvalidTransition  = errors.New("protocol: invalid stream state transition")
	ErrFlowControl        = errors.New("protocol: flow-control window violated")
	ErrStreamReset        = errors.New("protocol: stream reset by peer")
	ErrPushDisabled       = errors.New("protocol: peer disabled server push")
	ErrWrongRole          = errors.New("protocol: operation not valid for this endpoint")
	ErrBadPreface         = errors.New("protocol: invalid connection preface")
)

// ConnError is fatal to the whole connection. Code is sent in GOAWAY.
type ConnError struct {
	Code   frame.ErrCode
	Reason string
	Err    error
}

func (e *ConnError) Error() string {
	msg := "protocol: connection error " + e.Code.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnError) Unwrap() error { return e.Err }

// StreamError terminates one stream; the connection keeps running.
type StreamError struct {
	StreamID uint32
	Code     frame.ErrCode
	Err      error
}

func (e *StreamError) Error() string {
	msg := fmt.Sprintf("protocol: stream %d error %v", e.StreamID, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StreamError) Unwrap() error { return e.Err }

// Retryable reports streams the peer never processed; they may be retried,
// possibly on a new connection.
func (e *StreamError) Retryable() bool { return e.Code == frame.ErrCodeRefusedStream }

func connError(code frame.ErrCode, reason string, err error) *ConnError {
	return &ConnError{Code: code, Reason: reason, Err: err}
}

func streamError(id uint32, code frame.ErrCode, err error) *StreamError {
	return &StreamError{StreamID: id, Code: code, Err: err}
}
