// File: protocol/hpack/integer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Prefix-coded integers, RFC 7541 §5.1.

package hpack

import "math"

// AppendInt appends v with an n-bit prefix (1..8). flags fills the bits of
// the first byte above the prefix.
func AppendInt(dst []byte, n uint8, flags byte, v uint64) []byte {
	limit := uint64(1)<<n - 1
	if v < limit {
		return append(dst, flags|byte(v))
	}
	dst = append(dst, flags|byte(limit))
	v -= limit
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// ReadInt decodes an n-bit prefix integer from the start of b and reports the
// bytes consumed. Values above 2^32-1 fail with ErrIntegerOverflow.
func ReadInt(b []byte, n uint8) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncated
	}
	limit := uint64(1)<<n - 1
	v := uint64(b[0]) & limit
	if v < limit {
		return v, 1, nil
	}
	var shift uint
	for i := 1; i < len(b); i++ {
		if shift > 28 {
			return 0, 0, ErrIntegerOverflow
		}
		c := b[i]
		v += uint64(c&0x7f) << shift
		if v > math.MaxUint32 {
			return 0, 0, ErrIntegerOverflow
		}
		if c&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncated
}
