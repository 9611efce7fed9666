// File: server/types.go
// Package server accepts TCP connections and serves HTTP/2 on each one.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/momentics/hioload-h2/control"
	"github.com/momentics/hioload-h2/protocol"
	"github.com/momentics/hioload-h2/transport/tcp"
)

// Config holds all server-side configuration parameters.
type Config struct {
	ListenAddr string          // TCP bind address, e.g. ":8080"
	HTTP2      protocol.Config // local SETTINGS for every accepted connection
	MaxConns   int             // accepted connections beyond this are closed; 0 = unlimited
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		HTTP2:      protocol.DefaultConfig(),
	}
}

// ConfigFrom builds a Config from the configuration document.
func ConfigFrom(c *control.Config, addr string) *Config {
	return &Config{ListenAddr: addr, HTTP2: protocol.ConfigFrom(c.HTTP2)}
}

// Server owns a listener and the connection tasks it spawned.
type Server struct {
	cfg     Config
	handler protocol.Handler
	log     *zap.Logger
	metrics *control.Metrics
	probes  *control.DebugProbes
	ln      *tcp.Listener

	mu     sync.Mutex
	conns  map[uint64]*connTask
	nextID uint64

	closed   atomic.Bool
	accepted atomic.Int64
	rejected atomic.Int64
}
