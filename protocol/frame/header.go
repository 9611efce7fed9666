// File: protocol/frame/header.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package frame

import (
	"encoding/binary"
	"fmt"
)

// FrameHeader is the fixed 9-byte prefix of every frame.
type FrameHeader struct {
	Length   uint32 // 24 bits
	Type     FrameType
	Flags    Flags
	StreamID uint32 // 31 bits
}

// ParseHeader reads the first 9 bytes of b. The reserved stream-id bit is
// dropped.
func ParseHeader(b []byte) (FrameHeader, error) {
	if len(b) < HeaderLen {
		return FrameHeader{}, &Error{Code: ErrCodeFrameSize, Err: ErrShortHeader}
	}
	return FrameHeader{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     FrameType(b[3]),
		Flags:    Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:9]) & streamIDMask,
	}, nil
}

// AppendTo appends the wire form of h to dst.
func (h FrameHeader) AppendTo(dst []byte) []byte {
	return append(dst,
		byte(h.Length>>16), byte(h.Length>>8), byte(h.Length),
		byte(h.Type), byte(h.Flags),
		byte(h.StreamID>>24)&0x7f, byte(h.StreamID>>16), byte(h.StreamID>>8), byte(h.StreamID))
}

func (h FrameHeader) String() string {
	return fmt.Sprintf("[%v flags=%s stream=%d len=%d]", h.Type, h.Flags.format(h.Type), h.StreamID, h.Length)
}
