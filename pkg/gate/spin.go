package gate

import "runtime"

// DefaultSpinBound is the number of polls a SpinGate attempts before parking.
const DefaultSpinBound = 64

// SpinGate fronts a Gate with a bounded spin. It exists only for waits the
// caller asserts are sub-microsecond; everyone else should use Gate directly.
// After the spin bound is exhausted the wait falls back to the blocking path,
// so a SpinGate never busy-polls indefinitely.
type SpinGate struct {
	g     *Gate
	bound int
}

func NewSpin(g *Gate, bound int) *SpinGate {
	if bound <= 0 {
		bound = DefaultSpinBound
	}
	return &SpinGate{g: g, bound: bound}
}

// Wait polls the gate up to the configured bound, yielding the processor
// between polls, then parks on the underlying blocking wait.
func (s *SpinGate) Wait() {
	for i := 0; i < s.bound; i++ {
		if s.g.IsSignaled() {
			return
		}
		runtime.Gosched()
	}
	s.g.Wait()
}
