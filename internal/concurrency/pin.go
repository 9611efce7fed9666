//go:build !linux

// File: internal/concurrency/pin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "github.com/momentics/hioload-h2/api"

// PinCurrentThread binds the calling OS thread to one CPU. Only Linux
// supports it; elsewhere it reports api.ErrNotSupported.
func PinCurrentThread(cpu int) error {
	return api.NewError(api.ErrCodeNotSupported, "cpu pinning not supported on this platform").
		WithContext("cpu", cpu)
}
