// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"go.uber.org/zap"

	"github.com/momentics/hioload-h2/control"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithLogger sets the server logger; connections log through a child of it.
func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.log = control.OrNop(l) }
}

// WithMetrics records connection and frame activity on m.
func WithMetrics(m *control.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithDebugProbes publishes connection counters through dp.
func WithDebugProbes(dp *control.DebugProbes) ServerOption {
	return func(s *Server) { s.probes = dp }
}

// WithMaxConns overrides Config.MaxConns.
func WithMaxConns(n int) ServerOption {
	return func(s *Server) { s.cfg.MaxConns = n }
}
