// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package fake provides in-memory transports with predictable, controllable
// behaviour for tests. A Transport end can be driven by async tasks through
// PollRead and PollWrite, or by plain goroutines through Read and Write.
package fake
