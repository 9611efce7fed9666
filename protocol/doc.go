// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package protocol implements the HTTP/2 connection: stream state machines,
// flow control and the frame multiplexer.
//
// A Conn is owned by exactly one task. It is driven through PollFrame, which
// flushes pending output, reads and dispatches frames, and yields
// application events. Streams are addressed by id only; all outbound traffic
// goes through Conn methods. Nothing in this package takes a lock.
package protocol
