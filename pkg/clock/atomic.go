package clock

import "sync/atomic"

// AtomicClock hands out monotonically increasing sequence numbers. It is used
// for journal entry ordering and for segment identifiers.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

// Set moves the clock forward to t. Callers use it to restore the watermark
// observed during journal replay.
func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// Advance sets the clock to t only if t is ahead of the current value.
func (ac *AtomicClock) Advance(t uint64) {
	for {
		cur := ac.Load()
		if t <= cur || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
