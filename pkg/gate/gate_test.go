package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGate_SignalReleasesWaiters(t *testing.T) {
	g := New()

	const waiters = 8
	var released atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Wait()
			released.Add(1)
		}()
	}

	require.False(t, g.IsSignaled())
	g.Signal()
	wg.Wait()

	require.True(t, g.IsSignaled())
	require.EqualValues(t, waiters, released.Load())
}

func TestGate_LevelTriggered(t *testing.T) {
	g := New()
	g.Signal()

	// A waiter arriving after the signal must pass through immediately.
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter blocked on an already-signaled gate")
	}
}

func TestGate_NoMissedWakeup(t *testing.T) {
	// Race Signal against many concurrently-arriving waiters; every waiter
	// must be released once the signal has occurred.
	for i := 0; i < 100; i++ {
		g := New()

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.Wait()
			}()
		}
		go g.Signal()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("missed wakeup: waiter still blocked after signal")
		}
	}
}

func TestGate_WaitTimeout(t *testing.T) {
	g := New()

	require.False(t, g.WaitTimeout(10*time.Millisecond), "unsignaled gate must time out")

	g.Signal()
	require.True(t, g.WaitTimeout(10*time.Millisecond))
}

func TestGate_WaitContext(t *testing.T) {
	g := New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, g.WaitContext(ctx), context.Canceled)

	g.Signal()
	require.NoError(t, g.WaitContext(context.Background()))
}

func TestGate_SignalIdempotent(t *testing.T) {
	g := New()
	g.Signal()
	g.Signal() // must not panic on double close
	require.True(t, g.IsSignaled())
}

func TestGate_Reset(t *testing.T) {
	g := New(Resettable())

	g.Signal()
	require.True(t, g.IsSignaled())

	g.Reset()
	require.False(t, g.IsSignaled())
	require.False(t, g.WaitTimeout(10*time.Millisecond), "reset gate must block again")

	g.Signal()
	require.True(t, g.WaitTimeout(10*time.Millisecond))
}

func TestGate_ResetIgnoredOnOneShot(t *testing.T) {
	g := New()
	g.Signal()
	g.Reset()
	require.True(t, g.IsSignaled())
}

func TestSpinGate_FallsBackToBlocking(t *testing.T) {
	g := New()
	sg := NewSpin(g, 16)

	done := make(chan struct{})
	go func() {
		sg.Wait()
		close(done)
	}()

	// Let the spinner exhaust its bound and park.
	time.Sleep(20 * time.Millisecond)
	g.Signal()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spin gate never fell back to the blocking wait")
	}
}

func TestSpinGate_FastPath(t *testing.T) {
	g := New()
	g.Signal()

	sg := NewSpin(g, 0) // zero bound falls back to the default
	sg.Wait()           // must return immediately
}
