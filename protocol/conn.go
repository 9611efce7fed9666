// File: protocol/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn multiplexes HTTP/2 streams over one Transport.

package protocol

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"syscall"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hioload-h2/async"
	"github.com/momentics/hioload-h2/control"
	"github.com/momentics/hioload-h2/pool"
	"github.com/momentics/hioload-h2/protocol/frame"
	"github.com/momentics/hioload-h2/protocol/hpack"
)

// Transport is the non-blocking duplex byte stream a Conn runs over.
// tcp.Stream and fake.Transport satisfy it.
type Transport interface {
	PollRead(cx *async.Context, p []byte) async.Poll[int]
	PollWrite(cx *async.Context, p []byte) async.Poll[int]
	Close() error
}

const (
	readChunk    = 16 << 10
	outHighWater = 256 << 10

	// maxEncoderTableSize caps the encoder table whatever the peer allows.
	maxEncoderTableSize = 4096
	// maxHeaderBlock bounds a HEADERS/PUSH_PROMISE block with its
	// CONTINUATION frames.
	maxHeaderBlock = 1 << 20

	// closeLinger bounds how long a closing connection waits for the peer
	// to close its side after our write side was shut down.
	closeLinger = time.Second
)

var readBuffers = pool.NewBytePool(64 << 10)

// peerSettings are the values in force for one direction.
type peerSettings struct {
	headerTableSize   uint32
	enablePush        bool
	maxConcurrent     uint32
	initialWindowSize uint32
	maxFrameSize      uint32
	maxHeaderListSize uint32
}

func defaultSettings() peerSettings {
	return peerSettings{
		headerTableSize:   frame.DefaultHeaderTableSize,
		enablePush:        true,
		maxConcurrent:     math.MaxUint32,
		initialWindowSize: frame.DefaultInitialWindowSize,
		maxFrameSize:      frame.DefaultMaxFrameSize,
		maxHeaderListSize: math.MaxUint32,
	}
}

// headerBlock collects a header block split over CONTINUATION frames.
type headerBlock struct {
	streamID   uint32
	promisedID uint32
	push       bool
	endStream  bool
	priority   *frame.PriorityParam
	block      []byte
}

// Conn is one HTTP/2 connection. It is owned by a single task: every method,
// PollFrame included, must be called from that task only.
type Conn struct {
	t      Transport
	cfg    Config
	server bool
	log    *zap.Logger
	m      *control.Metrics

	enc  *hpack.Encoder
	dec  *hpack.Decoder
	hbuf []byte

	in          []byte
	out         []byte
	outOff      int
	prefaceLeft int

	streams     map[uint32]*stream
	sendQueue   *queue.Queue
	events      *queue.Queue
	nextLocalID uint32
	lastPeerID  uint32

	sendWin Window
	recvWin Window

	peer          peerSettings
	local         peerSettings
	readMaxFrame  uint32
	unacked       [][]frame.Setting
	ready         bool
	cont          *headerBlock
	pingsInFlight int

	goAwaySent   bool
	goAwayLast   uint32
	goAwayRecv   bool
	peerLastID   uint32
	closing      bool
	transportErr bool
	readEOF      bool
	drain        async.Future[struct{}]
	closed       bool
	err          error
}

// NewClientConn starts the client side: the preface, SETTINGS and an
// optional connection WINDOW_UPDATE are queued and written on the first poll.
func NewClientConn(t Transport, cfg Config) (*Conn, error) {
	return newConn(t, cfg, false)
}

// NewServerConn starts the server side. The client preface is validated
// before any frame is read.
func NewServerConn(t Transport, cfg Config) (*Conn, error) {
	return newConn(t, cfg, true)
}

func newConn(t Transport, cfg Config, server bool) (*Conn, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	role := "client"
	if server {
		role = "server"
	}
	c := &Conn{
		t:         t,
		cfg:       cfg,
		server:    server,
		log:       cfg.Logger.Named("h2conn").With(zap.String("role", role)),
		m:         cfg.Metrics,
		enc:       hpack.NewEncoder(frame.DefaultHeaderTableSize),
		dec:       hpack.NewDecoder(frame.DefaultHeaderTableSize),
		in:        readBuffers.GetBuffer()[:0],
		streams:   make(map[uint32]*stream),
		sendQueue: queue.New(),
		events:    queue.New(),
		sendWin:   NewWindow(frame.DefaultInitialWindowSize),
		recvWin:   NewWindow(int32(cfg.ConnWindowSize)),
		peer:      defaultSettings(),
		local:     defaultSettings(),
	}
	c.enc.SetHuffman(cfg.Huffman)
	c.dec.SetMaxHeaderListSize(cfg.MaxHeaderListSize)
	c.nextLocalID = 1
	if server {
		c.nextLocalID = 2
		c.prefaceLeft = len(frame.ClientPreface)
	}

	settings := cfg.settings(server)
	if err := c.applyLocal(settings); err != nil {
		return nil, err
	}
	if !server {
		c.out = append(c.out, frame.ClientPreface...)
	}
	c.writeSettings(settings)
	if inc := cfg.ConnWindowSize - frame.DefaultInitialWindowSize; inc > 0 {
		c.writeFrame(&frame.WindowUpdateFrame{Increment: inc})
	}
	c.m.ConnOpened()
	c.log.Info("connection started")
	return c, nil
}

// IsServer reports the server side of the connection.
func (c *Conn) IsServer() bool { return c.server }

// Ready reports that the peer's initial SETTINGS were applied.
func (c *Conn) Ready() bool { return c.ready }

// Err returns the error that ended the connection, or nil while it runs.
func (c *Conn) Err() error { return c.err }

// StreamState reports the state of a live stream. Streams that finished and
// were dropped from the table report StateClosed; unused ids StateIdle.
func (c *Conn) StreamState(id uint32) StreamState {
	if s, ok := c.streams[id]; ok {
		return s.state
	}
	if c.isIdle(id) {
		return StateIdle
	}
	return StateClosed
}

// StreamWindows returns the send and receive windows of a live stream.
func (c *Conn) StreamWindows(id uint32) (send, recv int32, ok bool) {
	s, ok := c.streams[id]
	if !ok {
		return 0, 0, false
	}
	return s.send.Available(), s.recv.Available(), true
}

// ConnWindows returns the connection-level send and receive windows.
func (c *Conn) ConnWindows() (send, recv int32) {
	return c.sendWin.Available(), c.recvWin.Available()
}

// ActiveStreams counts open and half-closed streams.
func (c *Conn) ActiveStreams() int {
	n := 0
	for _, s := range c.streams {
		if s.state.Active() {
			n++
		}
	}
	return n
}

// PeerMaxFrameSize is the largest frame payload the peer accepts.
func (c *Conn) PeerMaxFrameSize() uint32 { return c.peer.maxFrameSize }

// PollFrame drives the connection: it writes pending output, schedules DATA,
// reads and dispatches frames, and returns the next event. After a fatal
// error or Close it drains the remaining events, closes the transport and
// then fails with the terminating error.
func (c *Conn) PollFrame(cx *async.Context) async.Poll[Event] {
	for {
		if c.events.Length() > 0 {
			return async.Ready(c.events.Remove().(Event))
		}
		if c.closing {
			if !c.finish(cx) {
				return async.Pending[Event]()
			}
			return async.Fail[Event](c.err)
		}
		c.scheduleData()
		wrote, err := c.flush(cx)
		if err != nil {
			c.transportFailed(err)
			continue
		}
		read, err := c.readInput(cx)
		if err != nil {
			c.transportFailed(err)
			continue
		}
		if !wrote && !read {
			return async.Pending[Event]()
		}
	}
}

// Close sends GOAWAY(NO_ERROR), fails the remaining streams with
// ErrConnClosed, flushes and closes the transport. Events queued before the
// call are discarded.
func (c *Conn) Close() async.Future[struct{}] {
	return async.FutureFunc[struct{}](func(cx *async.Context) async.Poll[struct{}] {
		if !c.closing {
			if !c.goAwaySent {
				c.GoAway(frame.ErrCodeNo, nil)
			}
			c.terminate(connError(frame.ErrCodeNo, "closed locally", ErrConnClosed))
		}
		if !c.finish(cx) {
			return async.Pending[struct{}]()
		}
		c.events = queue.New()
		return async.Ready(struct{}{})
	})
}

// finish flushes what is left, half-closes the transport and drains input
// until the peer closes its side, then closes the transport once. Closing a
// TCP socket with unread input makes the kernel send RST, which the peer
// would see instead of our GOAWAY.
func (c *Conn) finish(cx *async.Context) bool {
	if c.closed {
		return true
	}
	if !c.transportErr {
		for c.outOff < len(c.out) {
			p := c.t.PollWrite(cx, c.out[c.outOff:])
			if !p.IsReady() {
				return false
			}
			n, err := p.Result()
			if err != nil {
				c.transportErr = true
				break
			}
			c.outOff += n
		}
	}
	if !c.transportErr && !c.readEOF {
		if c.drain == nil {
			c.drain = c.startDrain()
		}
		if !c.drain.Poll(cx).IsReady() {
			return false
		}
	}
	c.closed = true
	if err := c.t.Close(); err != nil {
		c.log.Debug("transport close", zap.Error(err))
	}
	readBuffers.PutBuffer(c.in)
	c.in = nil
	c.m.ConnClosed()
	c.log.Info("connection closed", zap.Error(c.err))
	return true
}

// startDrain shuts down the write side when the transport supports it and
// returns a future that discards input until EOF, a read error or
// closeLinger.
func (c *Conn) startDrain() async.Future[struct{}] {
	hc, ok := c.t.(interface{ CloseWrite() error })
	if !ok {
		return async.Value(struct{}{})
	}
	if err := hc.CloseWrite(); err != nil {
		c.log.Debug("transport half-close", zap.Error(err))
		return async.Value(struct{}{})
	}
	scratch := c.in[:cap(c.in)]
	discard := async.FutureFunc[struct{}](func(cx *async.Context) async.Poll[struct{}] {
		for {
			p := c.t.PollRead(cx, scratch)
			if !p.IsReady() {
				return async.Pending[struct{}]()
			}
			if p.Err() != nil {
				return async.Ready(struct{}{})
			}
		}
	})
	return async.Timeout[struct{}](discard, closeLinger)
}

// flush writes pending output until done or the transport would block.
func (c *Conn) flush(cx *async.Context) (bool, error) {
	progress := false
	for c.outOff < len(c.out) {
		p := c.t.PollWrite(cx, c.out[c.outOff:])
		if !p.IsReady() {
			return progress, nil
		}
		n, err := p.Result()
		if err != nil {
			return progress, err
		}
		c.outOff += n
		progress = true
	}
	c.out = c.out[:0]
	c.outOff = 0
	return progress, nil
}

// readInput performs at most one read and processes every complete frame.
func (c *Conn) readInput(cx *async.Context) (bool, error) {
	if cap(c.in)-len(c.in) < readChunk {
		grown := make([]byte, len(c.in), 2*cap(c.in)+readChunk)
		copy(grown, c.in)
		readBuffers.PutBuffer(c.in)
		c.in = grown
	}
	p := c.t.PollRead(cx, c.in[len(c.in):cap(c.in)])
	if !p.IsReady() {
		return false, nil
	}
	n, err := p.Result()
	if err != nil {
		return false, err
	}
	c.in = c.in[:len(c.in)+n]
	c.process()
	return true, nil
}

// process consumes every complete frame in the input buffer.
func (c *Conn) process() {
	off := 0
	defer func() {
		rest := copy(c.in, c.in[off:])
		c.in = c.in[:rest]
	}()
	if c.prefaceLeft > 0 {
		start := len(frame.ClientPreface) - c.prefaceLeft
		n := min(len(c.in), c.prefaceLeft)
		if string(c.in[:n]) != frame.ClientPreface[start:start+n] {
			c.fatal(connError(frame.ErrCodeProtocol, "bad client preface", ErrBadPreface))
			return
		}
		off, c.prefaceLeft = n, c.prefaceLeft-n
		if c.prefaceLeft > 0 {
			return
		}
	}
	for !c.closing {
		f, n, err := frame.Decode(c.in[off:], c.readMaxFrame)
		if err != nil {
			if !c.frameError(err) {
				return
			}
			off += n
			continue
		}
		if f == nil {
			return
		}
		off += n
		c.m.FrameRead(f.Header().Type.String())
		if ce := c.log.Check(zap.DebugLevel, "frame read"); ce != nil {
			ce.Write(zap.Stringer("frame", f.Header()))
		}
		if err := c.dispatch(f); err != nil {
			c.handleError(err)
		}
	}
}

// frameError maps a codec error. It reports whether decoding may continue
// past the offending frame.
func (c *Conn) frameError(err error) bool {
	var fe *frame.Error
	if !errors.As(err, &fe) {
		c.fatal(connError(frame.ErrCodeProtocol, "malformed frame", err))
		return false
	}
	switch {
	case errors.Is(err, frame.ErrUnknownConnFrame) && c.cont == nil:
		return true
	case errors.Is(err, frame.ErrZeroIncrement) && fe.StreamID != 0 && c.cont == nil:
		c.handleError(streamError(fe.StreamID, frame.ErrCodeProtocol, err))
		return true
	}
	c.fatal(connError(fe.Code, "malformed "+fe.Type.String()+" frame", err))
	return false
}

// handleError resets a stream for a *StreamError and tears the connection
// down for anything else.
func (c *Conn) handleError(err error) {
	var se *StreamError
	if errors.As(err, &se) {
		c.resetWith(se)
		return
	}
	var ce *ConnError
	if !errors.As(err, &ce) {
		ce = connError(frame.ErrCodeInternal, "", err)
	}
	c.fatal(ce)
}

// resetWith sends RST_STREAM and reports the stream as failed.
func (c *Conn) resetWith(se *StreamError) {
	c.writeFrame(&frame.RSTStreamFrame{StreamID: se.StreamID, Code: se.Code})
	c.m.StreamReset(se.Code.String())
	s, ok := c.streams[se.StreamID]
	if !ok {
		return
	}
	c.log.Warn("stream reset", zap.Uint32("stream", se.StreamID), zap.Stringer("code", se.Code), zap.Error(se.Err))
	s.onReset()
	c.removeStream(s)
	c.emit(Event{Kind: EventReset, StreamID: s.id, Code: se.Code, Err: se})
}

// fatal sends GOAWAY with ce.Code and terminates the connection.
func (c *Conn) fatal(ce *ConnError) {
	if c.closing {
		return
	}
	if !c.transportErr {
		c.GoAway(ce.Code, []byte(ce.Reason))
	}
	c.log.Error("connection error", zap.Error(ce))
	c.terminate(ce)
}

// terminate fails every stream with ce and moves the connection to closing.
func (c *Conn) terminate(ce *ConnError) {
	if c.closing {
		return
	}
	c.closing = true
	c.cont = nil
	c.err = ce
	if ce.Code == frame.ErrCodeNo && ce.Err != nil {
		c.err = ce.Err
	}
	for _, id := range slices.Sorted(maps.Keys(c.streams)) {
		s := c.streams[id]
		s.onReset()
		delete(c.streams, id)
		c.emit(Event{Kind: EventReset, StreamID: id, Code: ce.Code, Err: ce})
	}
}

// transportFailed handles read/write errors and peer EOF. Once GOAWAY was
// exchanged a reset or broken pipe is the peer closing, not a failure.
func (c *Conn) transportFailed(err error) {
	if errors.Is(err, io.EOF) {
		c.readEOF = true
		c.terminate(connError(frame.ErrCodeNo, "peer closed the connection", fmt.Errorf("%w: %w", ErrConnClosed, io.EOF)))
		return
	}
	c.transportErr = true
	if (c.goAwayRecv || c.goAwaySent) && peerGone(err) {
		c.log.Debug("transport closed after goaway", zap.Error(err))
		c.terminate(connError(frame.ErrCodeNo, "peer closed the connection", fmt.Errorf("%w: %w", ErrConnClosed, err)))
		return
	}
	c.log.Error("transport failure", zap.Error(err))
	c.terminate(connError(frame.ErrCodeInternal, "transport failure", err))
}

func peerGone(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func (c *Conn) emit(ev Event) {
	c.events.Add(ev)
}

// writeFrame serializes f into the output buffer.
func (c *Conn) writeFrame(f frame.Frame) {
	c.out = frame.Append(c.out, f)
	c.m.FrameWritten(f.Header().Type.String())
	if ce := c.log.Check(zap.DebugLevel, "frame written"); ce != nil {
		ce.Write(zap.Stringer("frame", f.Header()))
	}
}

func (c *Conn) outPending() int { return len(c.out) - c.outOff }

// isPeerID reports ids the peer initiates: odd for a server, even for a
// client.
func (c *Conn) isPeerID(id uint32) bool {
	return (id%2 == 1) == c.server
}

// isIdle reports ids never used in either direction.
func (c *Conn) isIdle(id uint32) bool {
	if id == 0 {
		return false
	}
	if c.isPeerID(id) {
		return id > c.lastPeerID
	}
	return id >= c.nextLocalID
}

func (c *Conn) removeStream(s *stream) {
	delete(c.streams, s.id)
}

// maybeRemove drops a closed stream once nothing is left to write.
func (c *Conn) maybeRemove(s *stream) {
	if s.state == StateClosed && !s.pendingOutput() {
		c.removeStream(s)
	}
}

func (c *Conn) countActive(local bool) uint32 {
	var n uint32
	for _, s := range c.streams {
		if s.local == local && s.state.Active() {
			n++
		}
	}
	return n
}
