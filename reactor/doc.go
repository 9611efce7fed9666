// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness multiplexer behind api.Reactor:
// epoll on Linux, kqueue on Darwin and the BSDs, and an IOCP backend on
// Windows that emulates readiness with zero-byte overlapped probes. The
// backend is selected at build time; New is the only constructor.
package reactor
