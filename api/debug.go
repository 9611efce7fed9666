// Package api
// Author: momentics
//
// Live introspection of runtime internals.

package api

// Debug exposes named state probes. The runtime registers its task, timer
// and registration counters here.
type Debug interface {
	// DumpState evaluates every probe and returns the results by name.
	DumpState() map[string]any

	// RegisterProbe adds or replaces a probe.
	RegisterProbe(name string, fn func() any)
}
