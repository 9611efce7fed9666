// File: protocol/rawpeer_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"golang.org/x/net/http2"
	xhpack "golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-h2/api"
	"github.com/momentics/hioload-h2/async"
	"github.com/momentics/hioload-h2/fake"
	"github.com/momentics/hioload-h2/protocol/frame"
	"github.com/momentics/hioload-h2/protocol/hpack"
)

// rawServer is a hand-driven peer built on the x/net framer. It runs on a
// plain goroutine using the blocking side of the fake transport.
type rawServer struct {
	tr  *fake.Transport
	fr  *http2.Framer
	buf bytes.Buffer
	enc *xhpack.Encoder
}

func startRaw(t *testing.T, cfg Config) (*async.Runtime, *Conn, *rawServer) {
	t.Helper()
	rt := newTestRuntime(t)
	ct, st := fake.NewPipe(0)
	t.Cleanup(func() { _ = st.Close() })
	cli, err := NewClientConn(ct, cfg)
	if err != nil {
		t.Fatalf("NewClientConn: %v", err)
	}
	rs := &rawServer{tr: st, fr: http2.NewFramer(st, st)}
	rs.enc = xhpack.NewEncoder(&rs.buf)
	return rt, cli, rs
}

func (r *rawServer) handshake(settings ...http2.Setting) error {
	preface := make([]byte, len(frame.ClientPreface))
	if _, err := io.ReadFull(r.tr, preface); err != nil {
		return err
	}
	if string(preface) != frame.ClientPreface {
		return fmt.Errorf("preface %q", preface)
	}
	if err := r.fr.WriteSettings(settings...); err != nil {
		return err
	}
	f, err := r.fr.ReadFrame()
	if err != nil {
		return err
	}
	if sf, ok := f.(*http2.SettingsFrame); !ok || sf.IsAck() {
		return fmt.Errorf("first client frame %v", f.Header())
	}
	return r.fr.WriteSettingsAck()
}

// readUntil reads frames until stop returns true.
func (r *rawServer) readUntil(stop func(http2.Frame) bool) error {
	for {
		f, err := r.fr.ReadFrame()
		if err != nil {
			return err
		}
		if stop(f) {
			return nil
		}
	}
}

// awaitRequests reads until n HEADERS frames and the ACK of our SETTINGS
// arrived.
func (r *rawServer) awaitRequests(n int) error {
	headers, acked := 0, false
	return r.readUntil(func(f http2.Frame) bool {
		switch f := f.(type) {
		case *http2.HeadersFrame:
			headers++
		case *http2.SettingsFrame:
			acked = acked || f.IsAck()
		}
		return headers >= n && acked
	})
}

func (r *rawServer) block(kv ...string) []byte {
	r.buf.Reset()
	for i := 0; i+1 < len(kv); i += 2 {
		_ = r.enc.WriteField(xhpack.HeaderField{Name: kv[i], Value: kv[i+1]})
	}
	return bytes.Clone(r.buf.Bytes())
}

func (r *rawServer) respond(id uint32, body string) error {
	err := r.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: r.block(":status", "200"),
		EndHeaders:    true,
		EndStream:     body == "",
	})
	if err != nil || body == "" {
		return err
	}
	return r.fr.WriteData(id, true, []byte(body))
}

// pingSync sends PING(tag) and counts DATA bytes until it is acknowledged.
func (r *rawServer) pingSync(tag byte) (n int, end bool, err error) {
	if err := r.fr.WritePing(false, [8]byte{tag}); err != nil {
		return 0, false, err
	}
	err = r.readUntil(func(f http2.Frame) bool {
		switch f := f.(type) {
		case *http2.DataFrame:
			n += len(f.Data())
			end = end || f.StreamEnded()
		case *http2.PingFrame:
			return f.IsAck() && f.Data[0] == tag
		}
		return false
	})
	return n, end, err
}

// settle runs two ping round trips so DATA released by earlier frames is
// on the wire before the count is taken.
func (r *rawServer) settle(tag byte) (int, error) {
	n1, _, err := r.pingSync(tag)
	if err != nil {
		return 0, err
	}
	n2, _, err := r.pingSync(tag + 1)
	return n1 + n2, err
}

// finish half-closes and drains until the client closes.
func (r *rawServer) finish() error {
	_ = r.tr.CloseWrite()
	_, err := io.Copy(io.Discard, r.tr)
	return err
}

func get(path string) []hpack.HeaderField {
	return RequestHeaders("GET", "http", "example.com", path)
}

func TestGoAwayAbortsHigherStreams(t *testing.T) {
	rt, cli, rs := startRaw(t, testConfig(t))
	var g errgroup.Group
	g.Go(func() error {
		if err := rs.handshake(); err != nil {
			return err
		}
		if err := rs.awaitRequests(3); err != nil {
			return err
		}
		if err := rs.respond(1, "one"); err != nil {
			return err
		}
		if err := rs.fr.WriteGoAway(3, http2.ErrCodeNo, []byte("bye")); err != nil {
			return err
		}
		if err := rs.respond(3, "three"); err != nil {
			return err
		}
		return rs.finish()
	})

	var lateErr error
	out := run(t, rt, drive(cli, func(c *Conn) error {
		for _, path := range []string{"/1", "/3", "/5"} {
			if _, err := c.OpenRequest(get(path), nil); err != nil {
				return err
			}
		}
		return nil
	}, func(c *Conn, ev Event, _ []Event) bool {
		if ev.Kind == EventGoAway {
			_, lateErr = c.OpenRequest(get("/late"), nil)
		}
		return false
	}))
	if err := g.Wait(); err != nil {
		t.Fatalf("raw server: %v", err)
	}

	if !errors.Is(out.err, ErrConnClosed) || !errors.Is(out.err, io.EOF) {
		t.Fatalf("final error = %v, want ErrConnClosed wrapping io.EOF", out.err)
	}
	msgs := out.messages()
	if string(msgs[1].Body) != "one" || string(msgs[3].Body) != "three" {
		t.Fatalf("completed streams: %+v", msgs)
	}
	if _, ok := msgs[5]; ok {
		t.Fatal("stream 5 completed after GOAWAY(3)")
	}
	for _, id := range []uint32{1, 3} {
		if ev, ok := out.find(EventReset, id); ok {
			t.Errorf("stream %d reset: %v", id, ev.Err)
		}
	}
	reset, ok := out.find(EventReset, 5)
	if !ok || !errors.Is(reset.Err, ErrRefusedByGoAway) || !api.IsRetryable(reset.Err) {
		t.Fatalf("stream 5 reset = %+v", reset)
	}
	ga, ok := out.find(EventGoAway, 0)
	if !ok || ga.LastStreamID != 3 || string(ga.DebugData) != "bye" || ga.Code != frame.ErrCodeNo {
		t.Fatalf("goaway event = %+v", ga)
	}
	var se *StreamError
	if !errors.As(lateErr, &se) || se.Code != frame.ErrCodeRefusedStream {
		t.Fatalf("OpenRequest after GOAWAY = %v", lateErr)
	}
}

func TestCompressionErrorFailsAllStreams(t *testing.T) {
	rt, cli, rs := startRaw(t, testConfig(t))
	var goAway http2.ErrCode
	var g errgroup.Group
	g.Go(func() error {
		if err := rs.handshake(); err != nil {
			return err
		}
		if err := rs.awaitRequests(2); err != nil {
			return err
		}
		// Index 70 does not exist: 61 static entries, empty dynamic table.
		err := rs.fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID: 1, BlockFragment: []byte{0x80 | 70}, EndHeaders: true, EndStream: true,
		})
		if err != nil {
			return err
		}
		if err := rs.readUntil(func(f http2.Frame) bool {
			if ga, ok := f.(*http2.GoAwayFrame); ok {
				goAway = ga.ErrCode
				return true
			}
			return false
		}); err != nil {
			return err
		}
		return rs.finish()
	})

	out := run(t, rt, drive(cli, func(c *Conn) error {
		if _, err := c.OpenRequest(get("/a"), nil); err != nil {
			return err
		}
		_, err := c.OpenRequest(get("/b"), nil)
		return err
	}, nil))
	if err := g.Wait(); err != nil {
		t.Fatalf("raw server: %v", err)
	}

	var ce *ConnError
	if !errors.As(out.err, &ce) || ce.Code != frame.ErrCodeCompression || !errors.Is(out.err, hpack.ErrCompression) {
		t.Fatalf("final error = %v, want COMPRESSION_ERROR", out.err)
	}
	if goAway != http2.ErrCodeCompression {
		t.Fatalf("GOAWAY code = %v", goAway)
	}
	for _, id := range []uint32{1, 3} {
		ev, ok := out.find(EventReset, id)
		if !ok || !errors.As(ev.Err, &ce) || ev.Code != frame.ErrCodeCompression {
			t.Errorf("stream %d: reset %+v", id, ev)
		}
	}
}

func TestSendWindowFollowsPeerUpdates(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789abcdef"), 200<<10/16)
	rt, cli, rs := startRaw(t, testConfig(t))
	type phase struct {
		name string
		got  int
	}
	var phases []phase
	var g errgroup.Group
	g.Go(func() error {
		if err := rs.handshake(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 0}); err != nil {
			return err
		}
		if err := rs.awaitRequests(1); err != nil {
			return err
		}
		record := func(name string, tag byte) error {
			n, err := rs.settle(tag)
			phases = append(phases, phase{name, n})
			return err
		}
		if err := record("closed window", 1); err != nil {
			return err
		}
		if err := rs.fr.WriteWindowUpdate(1, 1000); err != nil {
			return err
		}
		if err := record("window update", 3); err != nil {
			return err
		}
		if err := rs.fr.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 500}); err != nil {
			return err
		}
		if err := record("initial window raised", 5); err != nil {
			return err
		}
		// 500 -> 0 drives the window to -500; 600 more leaves 100.
		if err := rs.fr.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 0}); err != nil {
			return err
		}
		if err := rs.fr.WriteWindowUpdate(1, 600); err != nil {
			return err
		}
		if err := record("negative window", 7); err != nil {
			return err
		}
		if err := rs.fr.WriteWindowUpdate(0, 1<<20); err != nil {
			return err
		}
		if err := rs.fr.WriteWindowUpdate(1, 1<<20); err != nil {
			return err
		}
		rest, end := 0, false
		if err := rs.readUntil(func(f http2.Frame) bool {
			if df, ok := f.(*http2.DataFrame); ok {
				rest += len(df.Data())
				end = df.StreamEnded()
			}
			return end
		}); err != nil {
			return err
		}
		phases = append(phases, phase{"released", rest})
		if err := rs.respond(1, "done"); err != nil {
			return err
		}
		return rs.finish()
	})

	opened := false
	out := run(t, rt, drive(cli, nil, func(c *Conn, ev Event, _ []Event) bool {
		if ev.Kind == EventSettings && !opened {
			opened = true
			if _, err := c.OpenRequest(RequestHeaders("POST", "http", "example.com", "/up"), body); err != nil {
				t.Errorf("OpenRequest: %v", err)
				return true
			}
		}
		return ev.Kind == EventMessage
	}))
	if out.err != nil {
		t.Fatal(out.err)
	}
	run(t, rt, cli.Close())
	if err := g.Wait(); err != nil {
		t.Fatalf("raw server: %v", err)
	}
	want := []phase{
		{"closed window", 0},
		{"window update", 1000},
		{"initial window raised", 500},
		{"negative window", 100},
		{"released", len(body) - 1600},
	}
	if len(phases) != len(want) {
		t.Fatalf("phases = %+v", phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phase %q: %d bytes, want %d", want[i].name, phases[i].got, want[i].got)
		}
	}
}

func TestStreamFlowViolationResetsOnlyThatStream(t *testing.T) {
	cfg := testConfig(t)
	cfg.InitialWindowSize = WindowSize(1000)
	rt, cli, rs := startRaw(t, cfg)
	var rst http2.ErrCode
	var g errgroup.Group
	g.Go(func() error {
		if err := rs.handshake(); err != nil {
			return err
		}
		if err := rs.awaitRequests(2); err != nil {
			return err
		}
		err := rs.fr.WriteHeaders(http2.HeadersFrameParam{StreamID: 1, BlockFragment: rs.block(":status", "200"), EndHeaders: true})
		if err != nil {
			return err
		}
		if err := rs.fr.WriteData(1, false, make([]byte, 2000)); err != nil {
			return err
		}
		if err := rs.respond(3, "fine"); err != nil {
			return err
		}
		if err := rs.readUntil(func(f http2.Frame) bool {
			if r, ok := f.(*http2.RSTStreamFrame); ok && r.StreamID == 1 {
				rst = r.ErrCode
				return true
			}
			return false
		}); err != nil {
			return err
		}
		return rs.finish()
	})

	out := run(t, rt, drive(cli, func(c *Conn) error {
		if _, err := c.OpenRequest(get("/1"), nil); err != nil {
			return err
		}
		_, err := c.OpenRequest(get("/3"), nil)
		return err
	}, func(_ *Conn, _ Event, evs []Event) bool {
		o := outcome{events: evs}
		_, reset := o.find(EventReset, 1)
		_, done := o.find(EventMessage, 3)
		return reset && done
	}))
	if out.err != nil {
		t.Fatalf("connection failed: %v", out.err)
	}
	run(t, rt, cli.Close())
	if err := g.Wait(); err != nil {
		t.Fatalf("raw server: %v", err)
	}
	if rst != http2.ErrCodeFlowControl {
		t.Errorf("RST_STREAM code = %v", rst)
	}
	ev, _ := out.find(EventReset, 1)
	var se *StreamError
	if !errors.As(ev.Err, &se) || se.Code != frame.ErrCodeFlowControl || !errors.Is(ev.Err, ErrFlowControl) {
		t.Errorf("stream 1 reset = %+v", ev)
	}
	if msg := out.messages()[3]; msg == nil || string(msg.Body) != "fine" {
		t.Errorf("stream 3 = %+v", msg)
	}
}

// rawClient writes bytes at a server Conn and reads its frames.
func serveRaw(t *testing.T) (*fake.Transport, *http2.Framer, *async.JoinHandle[struct{}]) {
	t.Helper()
	rt := newTestRuntime(t)
	ct, st := fake.NewPipe(0)
	t.Cleanup(func() { _ = ct.Close() })
	srv, err := NewServerConn(st, testConfig(t))
	if err != nil {
		t.Fatalf("NewServerConn: %v", err)
	}
	jh, err := async.Spawn(rt, ServeConn(srv, echoHandler))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return ct, http2.NewFramer(ct, ct), jh
}

// expectGoAway reads server frames up to GOAWAY and checks its code and
// the error ServeConn ends with.
func expectGoAway(t *testing.T, fr *http2.Framer, jh *async.JoinHandle[struct{}], target error) {
	t.Helper()
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if ga, ok := f.(*http2.GoAwayFrame); ok {
			if ga.ErrCode != http2.ErrCodeProtocol {
				t.Fatalf("GOAWAY code = %v", ga.ErrCode)
			}
			break
		}
	}
	_, err := jh.Wait(waitCtx(t))
	var ce *ConnError
	if !errors.As(err, &ce) || ce.Code != frame.ErrCodeProtocol || !errors.Is(err, target) {
		t.Fatalf("ServeConn = %v", err)
	}
}

func TestServerRejectsBadPreface(t *testing.T) {
	ct, fr, jh := serveRaw(t)
	if _, err := ct.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	expectGoAway(t, fr, jh, ErrBadPreface)
}

func TestServerRequiresSettingsFirst(t *testing.T) {
	ct, fr, jh := serveRaw(t)
	if _, err := ct.Write([]byte(frame.ClientPreface)); err != nil {
		t.Fatal(err)
	}
	if err := fr.WritePing(false, [8]byte{}); err != nil {
		t.Fatal(err)
	}
	expectGoAway(t, fr, jh, errFirstFrame)
}

func TestEmptyDataEndsStreamOnNegativeWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.StreamEvents = true
	rt, cli, rs := startRaw(t, cfg)
	var g errgroup.Group
	g.Go(func() error {
		if err := rs.handshake(); err != nil {
			return err
		}
		if err := rs.awaitRequests(1); err != nil {
			return err
		}
		err := rs.fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      1,
			BlockFragment: rs.block(":status", "200"),
			EndHeaders:    true,
		})
		if err != nil {
			return err
		}
		if err := rs.fr.WriteData(1, false, make([]byte, 1000)); err != nil {
			return err
		}
		err = rs.readUntil(func(f http2.Frame) bool {
			sf, ok := f.(*http2.SettingsFrame)
			if !ok || sf.IsAck() {
				return false
			}
			v, ok := sf.Value(http2.SettingInitialWindowSize)
			return ok && v == 100
		})
		if err != nil {
			return err
		}
		if err := rs.fr.WriteSettingsAck(); err != nil {
			return err
		}
		if err := rs.fr.WriteData(1, true, nil); err != nil {
			return err
		}
		return rs.finish()
	})

	var (
		received  int
		lowerErr  error
		lowered   bool
		recvAfter int32
	)
	out := run(t, rt, drive(cli, func(c *Conn) error {
		_, err := c.OpenRequest(get("/"), nil)
		return err
	}, func(c *Conn, ev Event, _ []Event) bool {
		if ev.Kind == EventData && ev.StreamID == 1 {
			received += len(ev.Data)
			if received == 1000 && !lowered {
				lowered = true
				lowerErr = c.UpdateSettings(frame.Setting{ID: frame.SettingInitialWindowSize, Val: 100})
				_, recvAfter, _ = c.StreamWindows(1)
			}
		}
		return ev.StreamID == 1 && (ev.Kind == EventMessage || ev.Kind == EventReset)
	}))
	if out.err != nil || lowerErr != nil {
		t.Fatalf("drive: %v, UpdateSettings: %v", out.err, lowerErr)
	}
	if recvAfter != -900 {
		t.Fatalf("stream receive window after lowering = %d, want -900", recvAfter)
	}
	if ev, ok := out.find(EventReset, 1); ok {
		t.Fatalf("stream 1 reset: %+v", ev)
	}
	if _, ok := out.find(EventMessage, 1); !ok {
		t.Fatal("stream 1 did not complete")
	}
	run(t, rt, cli.Close())
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
