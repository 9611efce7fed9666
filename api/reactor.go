// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the abstract interface for the I/O readiness multiplexer used by the
// runtime (epoll, kqueue, IOCP).

package api

import (
	"strings"
	"time"
)

// Token is the opaque value a registration is reported back with.
type Token uint64

// Interest is a set of readiness directions.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// ReadWrite is interest in both directions.
const ReadWrite = Readable | Writable

func (i Interest) IsReadable() bool { return i&Readable != 0 }
func (i Interest) IsWritable() bool { return i&Writable != 0 }

func (i Interest) String() string {
	var parts []string
	if i.IsReadable() {
		parts = append(parts, "read")
	}
	if i.IsWritable() {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Event encapsulates one readiness notification produced by a Wait cycle.
type Event struct {
	Token    Token
	Readable bool
	Writable bool
	Error    bool // descriptor error condition
	Hangup   bool // peer closed
}

// Reactor defines the common interface for an OS readiness multiplexer.
//
// Edge-triggered semantics are used where the platform supports them: after
// a readiness notification the caller must drain the descriptor until it
// reports "would block" before expecting another event for that direction.
type Reactor interface {
	// Register adds interest for fd. Registering a direction that is already
	// active for fd fails with ErrAlreadyExists; disjoint directions merge.
	Register(fd uintptr, token Token, interest Interest) error

	// Modify replaces the interest set of an existing registration.
	Modify(fd uintptr, token Token, interest Interest) error

	// Deregister removes every interest for fd.
	Deregister(fd uintptr) error

	// Wait blocks until at least one event is ready, timeout elapses or Wake
	// is called. A negative timeout blocks indefinitely.
	Wait(events []Event, timeout time.Duration) (int, error)

	// Wake interrupts a concurrent or the next Wait.
	Wake() error

	// Close releases the poller backend.
	Close() error
}
