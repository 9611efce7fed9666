// File: protocol/frame/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package frame

import "encoding/binary"

// Parse decodes exactly one frame occupying all of b.
func Parse(b []byte) (Frame, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if uint32(len(b)-HeaderLen) != h.Length {
		return nil, newError(h, ErrCodeFrameSize, ErrLengthMismatch)
	}
	return parsePayload(h, b[HeaderLen:])
}

// Decode reads the frame at the start of b. It returns (nil, 0, nil) when b
// does not hold a complete frame yet. A header announcing more than
// maxFrameSize bytes fails without consuming anything. Payload errors still
// report the frame's full length so stream-scoped errors can be skipped.
func Decode(b []byte, maxFrameSize uint32) (Frame, int, error) {
	if len(b) < HeaderLen {
		return nil, 0, nil
	}
	h, err := ParseHeader(b)
	if err != nil {
		return nil, 0, err
	}
	if h.Length > maxFrameSize {
		return nil, 0, newError(h, ErrCodeFrameSize, ErrFrameTooLarge)
	}
	n := HeaderLen + int(h.Length)
	if len(b) < n {
		return nil, 0, nil
	}
	f, err := parsePayload(h, b[HeaderLen:n])
	return f, n, err
}

// Serialize returns the wire form of f.
func Serialize(f Frame) []byte {
	return Append(make([]byte, 0, HeaderLen+f.payloadLen()), f)
}

// Append appends the wire form of f to dst. Callers keep payloads within the
// peer's max frame size.
func Append(dst []byte, f Frame) []byte {
	dst = f.Header().AppendTo(dst)
	return f.appendPayload(dst)
}

func parsePayload(h FrameHeader, p []byte) (Frame, error) {
	switch h.Type {
	case FrameData:
		if h.StreamID == 0 {
			return nil, newError(h, ErrCodeProtocol, ErrZeroStreamID)
		}
		data, pad, err := splitPadding(h, p)
		if err != nil {
			return nil, err
		}
		return &DataFrame{StreamID: h.StreamID, Flags: h.Flags, Data: data, Padding: pad}, nil

	case FrameHeaders:
		if h.StreamID == 0 {
			return nil, newError(h, ErrCodeProtocol, ErrZeroStreamID)
		}
		body, pad, err := splitPadding(h, p)
		if err != nil {
			return nil, err
		}
		f := &HeadersFrame{StreamID: h.StreamID, Flags: h.Flags, Padding: pad}
		if h.Flags.Has(FlagPriority) {
			if len(body) < 5 {
				return nil, newError(h, ErrCodeFrameSize, ErrInvalidLength)
			}
			f.Priority = readPriority(body)
			body = body[5:]
		}
		f.BlockFragment = body
		return f, nil

	case FramePriority:
		if h.StreamID == 0 {
			return nil, newError(h, ErrCodeProtocol, ErrZeroStreamID)
		}
		if len(p) != 5 {
			return nil, newError(h, ErrCodeFrameSize, ErrInvalidLength)
		}
		return &PriorityFrame{StreamID: h.StreamID, Flags: h.Flags, PriorityParam: readPriority(p)}, nil

	case FrameRSTStream:
		if h.StreamID == 0 {
			return nil, newError(h, ErrCodeProtocol, ErrZeroStreamID)
		}
		if len(p) != 4 {
			return nil, newError(h, ErrCodeFrameSize, ErrInvalidLength)
		}
		return &RSTStreamFrame{StreamID: h.StreamID, Flags: h.Flags, Code: ErrCode(binary.BigEndian.Uint32(p))}, nil

	case FrameSettings:
		if h.StreamID != 0 {
			return nil, newError(h, ErrCodeProtocol, ErrNonZeroStreamID)
		}
		if h.Flags.Has(FlagAck) && len(p) > 0 {
			return nil, newError(h, ErrCodeFrameSize, ErrSettingsAckPayload)
		}
		if len(p)%6 != 0 {
			return nil, newError(h, ErrCodeFrameSize, ErrInvalidLength)
		}
		f := &SettingsFrame{Flags: h.Flags}
		if len(p) > 0 {
			f.Settings = make([]Setting, 0, len(p)/6)
		}
		for ; len(p) > 0; p = p[6:] {
			f.Settings = append(f.Settings, Setting{
				ID:  SettingID(binary.BigEndian.Uint16(p)),
				Val: binary.BigEndian.Uint32(p[2:]),
			})
		}
		return f, nil

	case FramePushPromise:
		if h.StreamID == 0 {
			return nil, newError(h, ErrCodeProtocol, ErrZeroStreamID)
		}
		body, pad, err := splitPadding(h, p)
		if err != nil {
			return nil, err
		}
		if len(body) < 4 {
			return nil, newError(h, ErrCodeFrameSize, ErrInvalidLength)
		}
		promised := binary.BigEndian.Uint32(body) & streamIDMask
		if promised == 0 {
			return nil, newError(h, ErrCodeProtocol, ErrZeroStreamID)
		}
		return &PushPromiseFrame{
			StreamID:      h.StreamID,
			Flags:         h.Flags,
			PromisedID:    promised,
			BlockFragment: body[4:],
			Padding:       pad,
		}, nil

	case FramePing:
		if h.StreamID != 0 {
			return nil, newError(h, ErrCodeProtocol, ErrNonZeroStreamID)
		}
		if len(p) != 8 {
			return nil, newError(h, ErrCodeFrameSize, ErrInvalidLength)
		}
		f := &PingFrame{Flags: h.Flags}
		copy(f.Data[:], p)
		return f, nil

	case FrameGoAway:
		if h.StreamID != 0 {
			return nil, newError(h, ErrCodeProtocol, ErrNonZeroStreamID)
		}
		if len(p) < 8 {
			return nil, newError(h, ErrCodeFrameSize, ErrInvalidLength)
		}
		return &GoAwayFrame{
			Flags:        h.Flags,
			LastStreamID: binary.BigEndian.Uint32(p) & streamIDMask,
			Code:         ErrCode(binary.BigEndian.Uint32(p[4:])),
			DebugData:    p[8:],
		}, nil

	case FrameWindowUpdate:
		if len(p) != 4 {
			return nil, newError(h, ErrCodeFrameSize, ErrInvalidLength)
		}
		inc := binary.BigEndian.Uint32(p) & streamIDMask
		if inc == 0 {
			return nil, newError(h, ErrCodeProtocol, ErrZeroIncrement)
		}
		return &WindowUpdateFrame{StreamID: h.StreamID, Flags: h.Flags, Increment: inc}, nil

	case FrameContinuation:
		if h.StreamID == 0 {
			return nil, newError(h, ErrCodeProtocol, ErrZeroStreamID)
		}
		return &ContinuationFrame{StreamID: h.StreamID, Flags: h.Flags, BlockFragment: p}, nil
	}

	if h.StreamID == 0 {
		return nil, newError(h, ErrCodeProtocol, ErrUnknownConnFrame)
	}
	return &UnknownFrame{Type: h.Type, StreamID: h.StreamID, Flags: h.Flags, Payload: p}, nil
}

// splitPadding strips the pad-length byte and trailing padding when the
// PADDED flag is set.
func splitPadding(h FrameHeader, p []byte) (body, pad []byte, err error) {
	if !h.Flags.Has(FlagPadded) {
		return p, nil, nil
	}
	if len(p) == 0 {
		return nil, nil, newError(h, ErrCodeFrameSize, ErrInvalidLength)
	}
	n := int(p[0])
	if n >= len(p) {
		return nil, nil, newError(h, ErrCodeProtocol, ErrInvalidPadding)
	}
	return p[1 : len(p)-n], p[len(p)-n:], nil
}
