// File: fake/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"io"
	"sync"

	"github.com/momentics/hioload-h2/async"
)

// DefaultPipeLimit bounds the bytes buffered in one direction.
const DefaultPipeLimit = 64 << 10

// halfPipe is one direction of a pipe.
type halfPipe struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	limit   int
	wclosed bool
	rclosed bool
	rerr    error
	werr    error
	reader  *async.Waker
	writer  *async.Waker
	total   int64
}

func newHalfPipe(limit int) *halfPipe {
	h := &halfPipe{limit: limit}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// take moves buffered bytes into p. Caller holds mu.
func (h *halfPipe) take(p []byte) (int, *async.Waker) {
	n := copy(p, h.buf)
	h.buf = append(h.buf[:0], h.buf[n:]...)
	w := h.writer
	h.writer = nil
	h.cond.Broadcast()
	return n, w
}

// put appends as much of p as fits. Caller holds mu.
func (h *halfPipe) put(p []byte) (int, *async.Waker) {
	n := h.limit - len(h.buf)
	if n > len(p) {
		n = len(p)
	}
	h.buf = append(h.buf, p[:n]...)
	h.total += int64(n)
	w := h.reader
	h.reader = nil
	h.cond.Broadcast()
	return n, w
}

// readErr is the error a reader sees on an empty pipe, or nil. Caller holds mu.
func (h *halfPipe) readErr() error {
	switch {
	case h.rerr != nil:
		return h.rerr
	case h.rclosed:
		return io.ErrClosedPipe
	case h.wclosed && len(h.buf) == 0:
		return io.EOF
	}
	return nil
}

func (h *halfPipe) writeErr() error {
	switch {
	case h.werr != nil:
		return h.werr
	case h.rclosed, h.wclosed:
		return io.ErrClosedPipe
	}
	return nil
}

func (h *halfPipe) pollRead(cx *async.Context, p []byte) async.Poll[int] {
	h.mu.Lock()
	if h.rerr == nil && !h.rclosed && len(h.buf) > 0 {
		n, w := h.take(p)
		h.mu.Unlock()
		w.Wake()
		return async.Ready(n)
	}
	if err := h.readErr(); err != nil {
		h.mu.Unlock()
		return async.Fail[int](err)
	}
	h.reader = cx.Waker()
	h.mu.Unlock()
	return async.Pending[int]()
}

func (h *halfPipe) pollWrite(cx *async.Context, p []byte) async.Poll[int] {
	h.mu.Lock()
	if err := h.writeErr(); err != nil {
		h.mu.Unlock()
		return async.Fail[int](err)
	}
	if len(p) == 0 {
		h.mu.Unlock()
		return async.Ready(0)
	}
	if len(h.buf) >= h.limit {
		h.writer = cx.Waker()
		h.mu.Unlock()
		return async.Pending[int]()
	}
	n, w := h.put(p)
	h.mu.Unlock()
	w.Wake()
	return async.Ready(n)
}

func (h *halfPipe) read(p []byte) (int, error) {
	h.mu.Lock()
	for h.rerr == nil && !h.rclosed && len(h.buf) == 0 && !h.wclosed {
		h.cond.Wait()
	}
	if err := h.readErr(); err != nil {
		h.mu.Unlock()
		return 0, err
	}
	n, w := h.take(p)
	h.mu.Unlock()
	w.Wake()
	return n, nil
}

func (h *halfPipe) write(p []byte) (int, error) {
	written := 0
	h.mu.Lock()
	for written < len(p) {
		if err := h.writeErr(); err != nil {
			h.mu.Unlock()
			return written, err
		}
		if len(h.buf) >= h.limit {
			h.cond.Wait()
			continue
		}
		n, w := h.put(p[written:])
		written += n
		h.mu.Unlock()
		w.Wake()
		h.mu.Lock()
	}
	h.mu.Unlock()
	return written, nil
}

// update changes state under the lock and wakes every parked side.
func (h *halfPipe) update(fn func()) {
	h.mu.Lock()
	fn()
	r, w := h.reader, h.writer
	h.reader, h.writer = nil, nil
	h.cond.Broadcast()
	h.mu.Unlock()
	r.Wake()
	w.Wake()
}

// Transport is one end of an in-memory full-duplex pipe.
type Transport struct {
	in, out *halfPipe

	mu         sync.Mutex
	closed     bool
	closeError error
}

// NewPipe returns two connected ends. Each direction buffers at most limit
// bytes; limit <= 0 selects DefaultPipeLimit.
func NewPipe(limit int) (*Transport, *Transport) {
	if limit <= 0 {
		limit = DefaultPipeLimit
	}
	ab, ba := newHalfPipe(limit), newHalfPipe(limit)
	return &Transport{in: ba, out: ab}, &Transport{in: ab, out: ba}
}

// PollRead reads buffered bytes or parks the calling task.
func (t *Transport) PollRead(cx *async.Context, p []byte) async.Poll[int] {
	return t.in.pollRead(cx, p)
}

// PollWrite writes what fits into the pipe or parks the calling task.
func (t *Transport) PollWrite(cx *async.Context, p []byte) async.Poll[int] {
	return t.out.pollWrite(cx, p)
}

// Read blocks until data, EOF or an error is available.
func (t *Transport) Read(p []byte) (int, error) { return t.in.read(p) }

// Write blocks until all of p is buffered.
func (t *Transport) Write(p []byte) (int, error) { return t.out.write(p) }

// Close ends both directions. The peer reads the remaining bytes and then
// io.EOF; its writes fail with io.ErrClosedPipe.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	err := t.closeError
	t.mu.Unlock()
	t.out.update(func() { t.out.wclosed = true })
	t.in.update(func() { t.in.rclosed = true })
	return err
}

// CloseWrite ends this end's sending direction only; the peer reads io.EOF
// after the buffered bytes while this end keeps reading.
func (t *Transport) CloseWrite() error {
	t.out.update(func() { t.out.wclosed = true })
	return nil
}

// Closed reports whether Close was called on this end.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// BytesWritten is the number of bytes this end handed to the pipe.
func (t *Transport) BytesWritten() int64 {
	t.out.mu.Lock()
	defer t.out.mu.Unlock()
	return t.out.total
}

// SetRecvError makes every following read fail with err.
func (t *Transport) SetRecvError(err error) {
	t.in.update(func() { t.in.rerr = err })
}

// SetSendError makes every following write fail with err.
func (t *Transport) SetSendError(err error) {
	t.out.update(func() { t.out.werr = err })
}

// SetCloseError configures the error returned by Close.
func (t *Transport) SetCloseError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeError = err
}
