// File: protocol/hpack/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hpack

import (
	"errors"
	"fmt"
)

// ErrCompression is matched by every error that desynchronizes the dynamic
// table.
var ErrCompression = errors.New("hpack: compression error")

var (
	ErrIndexOutOfRange     = errors.New("hpack: index out of range")
	ErrTruncated           = errors.New("hpack: truncated header block")
	ErrIntegerOverflow     = errors.New("hpack: integer overflow")
	ErrSizeUpdateTooLarge  = errors.New("hpack: dynamic table size update above limit")
	ErrSizeUpdateMisplaced = errors.New("hpack: dynamic table size update after header field")
	ErrInvalidHuffman      = errors.New("hpack: invalid huffman-coded string")
)

// ErrHeaderListTooLarge reports a block whose decoded size exceeds the
// configured limit. The table stays consistent, so it is not a compression
// error.
var ErrHeaderListTooLarge = errors.New("hpack: header list too large")

func compressionError(err error) error {
	return fmt.Errorf("%w: %w", ErrCompression, err)
}
