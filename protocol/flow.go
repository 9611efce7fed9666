// File: protocol/flow.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Flow-control windows.

package protocol

import (
	"math"

	"github.com/momentics/hioload-h2/protocol/frame"
)

const (
	windowFloor   = math.MinInt32
	windowCeiling = frame.MaxWindowSize
)

// Window is a signed flow-control window. It may go negative only through
// Adjust (a SETTINGS_INITIAL_WINDOW_SIZE decrease) and never below -2^31.
type Window struct {
	v int32
}

// NewWindow returns a window holding n bytes of credit.
func NewWindow(n int32) Window { return Window{v: n} }

// Available is the current credit; negative after a settings decrease.
func (w *Window) Available() int32 { return w.v }

// Consume takes n bytes of credit. It fails without changing the window when
// fewer than n bytes are available. Zero bytes always fit, even in a negative
// window.
func (w *Window) Consume(n uint32) error {
	if n > 0 && int64(n) > int64(w.v) {
		return ErrFlowControl
	}
	w.v -= int32(n)
	return nil
}

// Add grants n bytes, as a WINDOW_UPDATE does. It fails on overflow past
// 2^31-1.
func (w *Window) Add(n uint32) error {
	if int64(w.v)+int64(n) > windowCeiling {
		return ErrFlowControl
	}
	w.v += int32(n)
	return nil
}

// Adjust shifts the window by delta, as a change of the initial window size
// does for every open stream.
func (w *Window) Adjust(delta int64) error {
	nv := int64(w.v) + delta
	if nv > windowCeiling || nv < windowFloor {
		return ErrFlowControl
	}
	w.v = int32(nv)
	return nil
}

// refill tops a receive window back up to target once it fell below half of
// it and returns the WINDOW_UPDATE increment, or zero.
func (w *Window) refill(target int32) uint32 {
	if w.v >= target/2 {
		return 0
	}
	inc := uint32(int64(target) - int64(w.v))
	w.v = target
	return inc
}
