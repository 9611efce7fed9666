// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package concurrency holds the runtime's execution primitives: the worker
// pool draining the ready queue, the hierarchical timer wheel and
// per-thread CPU pinning.
package concurrency
