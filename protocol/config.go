// File: protocol/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"go.uber.org/zap"

	"github.com/momentics/hioload-h2/api"
	"github.com/momentics/hioload-h2/control"
	"github.com/momentics/hioload-h2/protocol/frame"
)

// Config holds the local SETTINGS a Conn advertises and its runtime knobs.
type Config struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32  // 0 means unlimited
	InitialWindowSize    *uint32 // nil selects 65535; 0 is a legal value
	MaxFrameSize         uint32  // 0 selects 16384
	MaxHeaderListSize    uint32  // 0 means unlimited

	// ConnWindowSize is the connection-level receive window. Values above
	// the protocol default of 65535 are announced with a WINDOW_UPDATE on
	// stream 0 right after the preface.
	ConnWindowSize uint32

	// Huffman enables Huffman coding of header strings where it is shorter.
	Huffman bool

	// StreamEvents switches inbound bodies to streaming: every HEADERS block
	// and DATA frame is delivered as EventHeaders / EventData, and the closing
	// EventMessage carries headers and trailers but no body.
	StreamEvents bool

	Logger  *zap.Logger
	Metrics *control.Metrics
}

// DefaultConfig mirrors control.DefaultConfig().HTTP2.
func DefaultConfig() Config {
	return ConfigFrom(control.DefaultConfig().HTTP2)
}

// ConfigFrom maps the configuration document onto a Config.
func ConfigFrom(h control.HTTP2Config) Config {
	return Config{
		HeaderTableSize:      h.HeaderTableSize,
		EnablePush:           h.EnablePush,
		MaxConcurrentStreams: h.MaxConcurrentStreams,
		InitialWindowSize:    WindowSize(h.InitialWindowSize),
		MaxFrameSize:         h.MaxFrameSize,
		MaxHeaderListSize:    h.MaxHeaderListSize,
		ConnWindowSize:       h.ConnWindowSize,
		Huffman:              h.Huffman,
	}
}

// WindowSize returns a pointer for Config.InitialWindowSize.
func WindowSize(n uint32) *uint32 { return &n }

func (c Config) normalized() (Config, error) {
	if c.InitialWindowSize == nil {
		c.InitialWindowSize = WindowSize(frame.DefaultInitialWindowSize)
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = frame.DefaultMaxFrameSize
	}
	if c.ConnWindowSize < frame.DefaultInitialWindowSize {
		c.ConnWindowSize = frame.DefaultInitialWindowSize
	}
	for _, s := range []frame.Setting{
		{ID: frame.SettingInitialWindowSize, Val: *c.InitialWindowSize},
		{ID: frame.SettingMaxFrameSize, Val: c.MaxFrameSize},
	} {
		if err := s.Valid(); err != nil {
			return c, api.NewError(api.ErrCodeInvalidArgument, "protocol: "+err.Error())
		}
	}
	if c.ConnWindowSize > frame.MaxWindowSize {
		return c, api.NewError(api.ErrCodeInvalidArgument, "protocol: connection window too large").
			WithContext("value", c.ConnWindowSize)
	}
	c.Logger = control.OrNop(c.Logger)
	return c, nil
}

// settings lists the SETTINGS frame payload. Servers never send ENABLE_PUSH.
func (c Config) settings(server bool) []frame.Setting {
	ss := []frame.Setting{
		{ID: frame.SettingHeaderTableSize, Val: c.HeaderTableSize},
	}
	if !server {
		push := uint32(0)
		if c.EnablePush {
			push = 1
		}
		ss = append(ss, frame.Setting{ID: frame.SettingEnablePush, Val: push})
	}
	if c.MaxConcurrentStreams > 0 {
		ss = append(ss, frame.Setting{ID: frame.SettingMaxConcurrentStreams, Val: c.MaxConcurrentStreams})
	}
	ss = append(ss,
		frame.Setting{ID: frame.SettingInitialWindowSize, Val: *c.InitialWindowSize},
		frame.Setting{ID: frame.SettingMaxFrameSize, Val: c.MaxFrameSize},
	)
	if c.MaxHeaderListSize > 0 {
		ss = append(ss, frame.Setting{ID: frame.SettingMaxHeaderListSize, Val: c.MaxHeaderListSize})
	}
	return ss
}
