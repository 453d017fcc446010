package gate

import (
	"context"
	"sync"
	"time"
)

// Gate is a level-triggered, broadcast notification primitive. It starts
// unsignaled; Signal releases every current and future waiter. Waiters are
// parked on a channel receive and consume no CPU while suspended.
//
// A Gate is one-shot by default. Resettable gates can be returned to the
// unsignaled state with Reset.
type Gate struct {
	mu         sync.Mutex
	ch         chan struct{}
	signaled   bool
	resettable bool
}

type Option func(*Gate)

// Resettable allows the gate to be re-armed with Reset after a Signal.
func Resettable() Option {
	return func(g *Gate) {
		g.resettable = true
	}
}

func New(opts ...Option) *Gate {
	g := &Gate{
		ch: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// subscribe returns the channel a waiter must park on. Reading the signaled
// flag and picking the channel happen under one lock, so a Signal that races
// with a new waiter is never lost: either the flag is already set, or the
// waiter holds the exact channel Signal will close.
func (g *Gate) subscribe() (<-chan struct{}, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch, g.signaled
}

// Wait blocks until the gate is signaled.
func (g *Gate) Wait() {
	ch, done := g.subscribe()
	if done {
		return
	}
	<-ch
}

// WaitTimeout blocks until the gate is signaled or d elapses. It reports
// whether the gate was signaled; a timeout is a normal outcome, not an error.
func (g *Gate) WaitTimeout(d time.Duration) bool {
	ch, done := g.subscribe()
	if done {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// WaitContext blocks until the gate is signaled or ctx is done, returning
// ctx.Err() in the latter case.
func (g *Gate) WaitContext(ctx context.Context) error {
	ch, done := g.subscribe()
	if done {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal releases all current waiters and lets future waiters pass through.
// Signaling an already-signaled gate is a no-op.
func (g *Gate) Signal() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.signaled {
		return
	}
	g.signaled = true
	close(g.ch)
}

// IsSignaled is a non-blocking query of the gate state.
func (g *Gate) IsSignaled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.signaled
}

// Reset re-arms a resettable gate. Waiters that arrive after Reset block
// until the next Signal. Reset on a one-shot or unsignaled gate is a no-op.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.resettable || !g.signaled {
		return
	}
	g.signaled = false
	g.ch = make(chan struct{})
}
