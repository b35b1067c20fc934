package execution

import "sync/atomic"

// Gate lets exactly one of several racing finishers through.
// The zero value is ready to use.
type Gate struct {
	fired atomic.Bool
}

// Fire runs fn if this is the first call and reports whether it did.
// Every later call is a no-op returning false.
func (g *Gate) Fire(fn func()) bool {
	if !g.fired.CompareAndSwap(false, true) {
		return false
	}
	if fn != nil {
		fn()
	}
	return true
}

// Fired reports whether the gate has been passed.
func (g *Gate) Fired() bool { return g.fired.Load() }
