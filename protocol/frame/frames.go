// File: protocol/frame/frames.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed frames. Header() reports the header a frame serializes with,
// including its payload length.

package frame

import "encoding/binary"

// Frame is implemented by every frame type in this package.
type Frame interface {
	Header() FrameHeader
	payloadLen() int
	appendPayload(dst []byte) []byte
}

func header(t FrameType, f Flags, id uint32, n int) FrameHeader {
	return FrameHeader{Length: uint32(n), Type: t, Flags: f, StreamID: id}
}

func padded(f Flags, pad []byte) int {
	if f.Has(FlagPadded) {
		return 1 + len(pad)
	}
	return 0
}

// PriorityParam is the stream dependency block of HEADERS and PRIORITY.
// Weight is the wire value; the effective weight is Weight+1.
type PriorityParam struct {
	StreamDep uint32
	Exclusive bool
	Weight    uint8
}

func (p PriorityParam) append(dst []byte) []byte {
	dep := p.StreamDep & streamIDMask
	if p.Exclusive {
		dep |= 1 << 31
	}
	dst = binary.BigEndian.AppendUint32(dst, dep)
	return append(dst, p.Weight)
}

func readPriority(b []byte) PriorityParam {
	v := binary.BigEndian.Uint32(b)
	return PriorityParam{StreamDep: v & streamIDMask, Exclusive: v>>31 == 1, Weight: b[4]}
}

// DataFrame carries request or response body bytes. Padding is emitted only
// when Flags has FlagPadded.
type DataFrame struct {
	StreamID uint32
	Flags    Flags
	Data     []byte
	Padding  []byte
}

func (f *DataFrame) EndStream() bool { return f.Flags.Has(FlagEndStream) }

// FlowLen is the number of bytes the frame counts against flow control,
// padding included.
func (f *DataFrame) FlowLen() int { return f.payloadLen() }

func (f *DataFrame) Header() FrameHeader {
	return header(FrameData, f.Flags, f.StreamID, f.payloadLen())
}

func (f *DataFrame) payloadLen() int { return padded(f.Flags, f.Padding) + len(f.Data) }

func (f *DataFrame) appendPayload(dst []byte) []byte {
	if f.Flags.Has(FlagPadded) {
		dst = append(dst, byte(len(f.Padding)))
	}
	dst = append(dst, f.Data...)
	if f.Flags.Has(FlagPadded) {
		dst = append(dst, f.Padding...)
	}
	return dst
}

// HeadersFrame opens a stream or carries trailers. Priority is present on
// the wire only when Flags has FlagPriority.
type HeadersFrame struct {
	StreamID      uint32
	Flags         Flags
	Priority      PriorityParam
	BlockFragment []byte
	Padding       []byte
}

func (f *HeadersFrame) EndStream() bool   { return f.Flags.Has(FlagEndStream) }
func (f *HeadersFrame) EndHeaders() bool  { return f.Flags.Has(FlagEndHeaders) }
func (f *HeadersFrame) HasPriority() bool { return f.Flags.Has(FlagPriority) }

func (f *HeadersFrame) Header() FrameHeader {
	return header(FrameHeaders, f.Flags, f.StreamID, f.payloadLen())
}

func (f *HeadersFrame) payloadLen() int {
	n := padded(f.Flags, f.Padding) + len(f.BlockFragment)
	if f.HasPriority() {
		n += 5
	}
	return n
}

func (f *HeadersFrame) appendPayload(dst []byte) []byte {
	if f.Flags.Has(FlagPadded) {
		dst = append(dst, byte(len(f.Padding)))
	}
	if f.HasPriority() {
		dst = f.Priority.append(dst)
	}
	dst = append(dst, f.BlockFragment...)
	if f.Flags.Has(FlagPadded) {
		dst = append(dst, f.Padding...)
	}
	return dst
}

type PriorityFrame struct {
	StreamID uint32
	Flags    Flags
	PriorityParam
}

func (f *PriorityFrame) Header() FrameHeader {
	return header(FramePriority, f.Flags, f.StreamID, 5)
}

func (f *PriorityFrame) payloadLen() int { return 5 }

func (f *PriorityFrame) appendPayload(dst []byte) []byte { return f.PriorityParam.append(dst) }

type RSTStreamFrame struct {
	StreamID uint32
	Flags    Flags
	Code     ErrCode
}

func (f *RSTStreamFrame) Header() FrameHeader {
	return header(FrameRSTStream, f.Flags, f.StreamID, 4)
}

func (f *RSTStreamFrame) payloadLen() int { return 4 }

func (f *RSTStreamFrame) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(f.Code))
}

// SettingsFrame always travels on stream 0. Parameters keep their wire order.
type SettingsFrame struct {
	Flags    Flags
	Settings []Setting
}

func (f *SettingsFrame) IsAck() bool { return f.Flags.Has(FlagAck) }

// Value returns the last value sent for id.
func (f *SettingsFrame) Value(id SettingID) (uint32, bool) {
	for i := len(f.Settings) - 1; i >= 0; i-- {
		if f.Settings[i].ID == id {
			return f.Settings[i].Val, true
		}
	}
	return 0, false
}

func (f *SettingsFrame) Header() FrameHeader {
	return header(FrameSettings, f.Flags, 0, f.payloadLen())
}

func (f *SettingsFrame) payloadLen() int { return 6 * len(f.Settings) }

func (f *SettingsFrame) appendPayload(dst []byte) []byte {
	for _, s := range f.Settings {
		dst = binary.BigEndian.AppendUint16(dst, uint16(s.ID))
		dst = binary.BigEndian.AppendUint32(dst, s.Val)
	}
	return dst
}

type PushPromiseFrame struct {
	StreamID      uint32
	Flags         Flags
	PromisedID    uint32
	BlockFragment []byte
	Padding       []byte
}

func (f *PushPromiseFrame) EndHeaders() bool { return f.Flags.Has(FlagEndHeaders) }

func (f *PushPromiseFrame) Header() FrameHeader {
	return header(FramePushPromise, f.Flags, f.StreamID, f.payloadLen())
}

func (f *PushPromiseFrame) payloadLen() int {
	return padded(f.Flags, f.Padding) + 4 + len(f.BlockFragment)
}

func (f *PushPromiseFrame) appendPayload(dst []byte) []byte {
	if f.Flags.Has(FlagPadded) {
		dst = append(dst, byte(len(f.Padding)))
	}
	dst = binary.BigEndian.AppendUint32(dst, f.PromisedID&streamIDMask)
	dst = append(dst, f.BlockFragment...)
	if f.Flags.Has(FlagPadded) {
		dst = append(dst, f.Padding...)
	}
	return dst
}

type PingFrame struct {
	Flags Flags
	Data  [8]byte
}

func (f *PingFrame) IsAck() bool { return f.Flags.Has(FlagAck) }

func (f *PingFrame) Header() FrameHeader { return header(FramePing, f.Flags, 0, 8) }

func (f *PingFrame) payloadLen() int { return 8 }

func (f *PingFrame) appendPayload(dst []byte) []byte { return append(dst, f.Data[:]...) }

type GoAwayFrame struct {
	Flags        Flags
	LastStreamID uint32
	Code         ErrCode
	DebugData    []byte
}

func (f *GoAwayFrame) Header() FrameHeader {
	return header(FrameGoAway, f.Flags, 0, f.payloadLen())
}

func (f *GoAwayFrame) payloadLen() int { return 8 + len(f.DebugData) }

func (f *GoAwayFrame) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, f.LastStreamID&streamIDMask)
	dst = binary.BigEndian.AppendUint32(dst, uint32(f.Code))
	return append(dst, f.DebugData...)
}

// WindowUpdateFrame grants flow-control credit; StreamID 0 addresses the
// connection window.
type WindowUpdateFrame struct {
	StreamID  uint32
	Flags     Flags
	Increment uint32
}

func (f *WindowUpdateFrame) Header() FrameHeader {
	return header(FrameWindowUpdate, f.Flags, f.StreamID, 4)
}

func (f *WindowUpdateFrame) payloadLen() int { return 4 }

func (f *WindowUpdateFrame) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, f.Increment&streamIDMask)
}

type ContinuationFrame struct {
	StreamID      uint32
	Flags         Flags
	BlockFragment []byte
}

func (f *ContinuationFrame) EndHeaders() bool { return f.Flags.Has(FlagEndHeaders) }

func (f *ContinuationFrame) Header() FrameHeader {
	return header(FrameContinuation, f.Flags, f.StreamID, len(f.BlockFragment))
}

func (f *ContinuationFrame) payloadLen() int { return len(f.BlockFragment) }

func (f *ContinuationFrame) appendPayload(dst []byte) []byte {
	return append(dst, f.BlockFragment...)
}

// UnknownFrame is an extension frame on a non-zero stream; receivers ignore
// it.
type UnknownFrame struct {
	Type     FrameType
	StreamID uint32
	Flags    Flags
	Payload  []byte
}

func (f *UnknownFrame) Header() FrameHeader {
	return header(f.Type, f.Flags, f.StreamID, len(f.Payload))
}

func (f *UnknownFrame) payloadLen() int { return len(f.Payload) }

func (f *UnknownFrame) appendPayload(dst []byte) []byte { return append(dst, f.Payload...) }
