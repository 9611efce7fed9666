// File: reactor/timeout.go
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"math"
	"time"
)

// timeoutMillis converts a Wait timeout to the millisecond form the kernel
// expects, rounding up so a short positive timeout never turns into a busy poll.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
