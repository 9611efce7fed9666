// File: protocol/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/momentics/hioload-h2/protocol/frame"
	"github.com/momentics/hioload-h2/protocol/hpack"
)

// EventKind tells which Event fields are set.
type EventKind uint8

const (
	// EventHeaders: a HEADERS block (StreamEvents only). Headers, EndStream.
	EventHeaders EventKind = iota + 1
	// EventData: one DATA frame payload (StreamEvents only). Data, EndStream.
	EventData
	// EventMessage: the peer finished sending on StreamID. Message.
	EventMessage
	// EventReset: the stream was terminated. Code, Err.
	EventReset
	// EventPushPromise: the server reserved PromisedID for a push. Headers
	// holds the promised request.
	EventPushPromise
	// EventGoAway: the peer will not process streams above LastStreamID.
	EventGoAway
	// EventPingAck: a PING sent with Ping was acknowledged.
	EventPingAck
	// EventSettings: peer SETTINGS were applied and acknowledged.
	EventSettings
)

var eventNames = map[EventKind]string{
	EventHeaders:     "headers",
	EventData:        "data",
	EventMessage:     "message",
	EventReset:       "reset",
	EventPushPromise: "push-promise",
	EventGoAway:      "goaway",
	EventPingAck:     "ping-ack",
	EventSettings:    "settings",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is one application-visible outcome of PollFrame.
type Event struct {
	Kind     EventKind
	StreamID uint32

	Headers   []hpack.HeaderField
	Data      []byte
	EndStream bool
	Message   *Message

	Code frame.ErrCode
	Err  error

	PromisedID   uint32
	LastStreamID uint32
	DebugData    []byte
	Ping         [8]byte
	Settings     []frame.Setting
}

func (e Event) String() string {
	return fmt.Sprintf("%v stream=%d", e.Kind, e.StreamID)
}

// Message is a complete request or response as received from the peer.
type Message struct {
	StreamID uint32
	Headers  []hpack.HeaderField
	Trailers []hpack.HeaderField
	Body     []byte
}

// Get returns the first value of name among the headers, or "".
func (m *Message) Get(name string) string {
	return lookup(m.Headers, name)
}

// Trailer returns the first value of name among the trailers, or "".
func (m *Message) Trailer(name string) string {
	return lookup(m.Trailers, name)
}

// Status is the :status pseudo-header of a response.
func (m *Message) Status() string { return m.Get(":status") }

func lookup(fields []hpack.HeaderField, name string) string {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// informational reports a 1xx response header block.
func informational(fields []hpack.HeaderField) bool {
	st := lookup(fields, ":status")
	return len(st) == 3 && st[0] == '1'
}

// RequestHeaders builds a request header list with the four pseudo-headers
// first. Extra field names are lower-cased.
func RequestHeaders(method, scheme, authority, path string, extra ...hpack.HeaderField) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, 0, 4+len(extra))
	fields = append(fields,
		hpack.HeaderField{Name: ":method", Value: method},
		hpack.HeaderField{Name: ":scheme", Value: scheme},
		hpack.HeaderField{Name: ":authority", Value: authority},
		hpack.HeaderField{Name: ":path", Value: path},
	)
	return appendLower(fields, extra)
}

// ResponseHeaders builds a response header list starting with :status.
func ResponseHeaders(status int, extra ...hpack.HeaderField) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, 0, 1+len(extra))
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	return appendLower(fields, extra)
}

func appendLower(dst, extra []hpack.HeaderField) []hpack.HeaderField {
	for _, f := range extra {
		f.Name = strings.ToLower(f.Name)
		dst = append(dst, f)
	}
	return dst
}
