// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, logging and metrics plumbing shared by the runtime and the
// HTTP/2 connection layer.
//
// Provides:
//   - YAML configuration with defaults, validation and a reload-aware store
//   - zap logger construction from the log section
//   - Prometheus collectors for runtime, reactor and protocol activity
package control
