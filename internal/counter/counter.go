// Package counter holds the byte counter shared between a backend's receive
// path and any number of readers.
package counter

import "sync/atomic"

// frozenBit marks a counter that no longer accepts updates. Byte volumes in
// a single session never reach 2^63, so the top bit is free.
const frozenBit = uint64(1) << 63

// Counter is a monotonically increasing byte count. Add and Load are safe
// to call concurrently; the zero value is ready to use and reads 0.
type Counter struct {
	v atomic.Uint64
}

// Add records n received bytes. It reports false once the counter has been
// frozen, in which case n is dropped.
func (c *Counter) Add(n uint64) bool {
	for {
		old := c.v.Load()
		if old&frozenBit != 0 {
			return false
		}
		if n == 0 {
			return true
		}
		if c.v.CompareAndSwap(old, old+n) {
			return true
		}
	}
}

func (c *Counter) Load() uint64 {
	return c.v.Load() &^ frozenBit
}

// Freeze stops all further updates. Safe to call more than once.
func (c *Counter) Freeze() {
	for {
		old := c.v.Load()
		if old&frozenBit != 0 {
			return
		}
		if c.v.CompareAndSwap(old, old|frozenBit) {
			return
		}
	}
}

func (c *Counter) Frozen() bool {
	return c.v.Load()&frozenBit != 0
}
