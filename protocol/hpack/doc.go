// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package hpack implements HTTP/2 header compression (RFC 7541).
//
// An Encoder and a Decoder each own one dynamic table; a connection uses one
// of each, and the peer's pair must evolve in lockstep with them. Any decode
// failure leaves the table in an unknown state and is connection-fatal;
// such errors match ErrCompression.
//
// Huffman string coding uses the tables from golang.org/x/net/http2/hpack.
package hpack
