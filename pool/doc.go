// Package pool
// Author: momentics <momentics@gmail.com>
//
// Allocation reuse for hot paths: fixed-size read buffers for connections
// and a typed wrapper over sync.Pool used for timer entries.
package pool
