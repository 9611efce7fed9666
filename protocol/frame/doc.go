// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package frame implements the HTTP/2 binary framing layer (RFC 9113 §4, §6).
//
// The codec is pure and stateless: Parse and Decode turn byte slices into
// typed frames, Serialize and Append do the reverse, and no I/O happens here.
// Parsed frames alias the input buffer; copy what must outlive it.
//
// Flags and padding are kept verbatim, so re-serializing a parsed frame yields
// the original bytes as long as the reserved stream-id bit was clear.
package frame
