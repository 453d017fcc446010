package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

// Job is a background worker with an explicit lifecycle.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener consumes values from a channel on a dedicated goroutine and hands
// them to a handler. An optional ticker drives periodic work between inputs,
// which the journal uses for its time-based sync trigger.
type Listener[T any] struct {
	handler     func(input T) error
	tickHandler func() error
	stopHandler func()

	tickEvery time.Duration

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

type Option[T any] func(*Listener[T])

// WithTick registers a periodic handler invoked every interval while the
// listener runs.
func WithTick[T any](interval time.Duration, handler func() error) Option[T] {
	return func(l *Listener[T]) {
		l.tickEvery = interval
		l.tickHandler = handler
	}
}

// WithStop registers a handler invoked once after the listener goroutine has
// fully drained and exited.
func WithStop[T any](handler func()) Option[T] {
	return func(l *Listener[T]) {
		l.stopHandler = handler
	}
}

func New[T any](in <-chan T, handler func(T) error, opts ...Option[T]) *Listener[T] {
	l := &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: func() {},
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	var tickCh <-chan time.Time
	var ticker *time.Ticker
	if l.tickHandler != nil {
		ticker = time.NewTicker(l.tickEvery)
		tickCh = ticker.C
	}

	go func() {
		defer l.wg.Done()
		if ticker != nil {
			defer ticker.Stop()
		}
		for {
			err := l.run(ctx, tickCh)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				panic("channel listener error: " + err.Error())
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context, tickCh <-chan time.Time) error {
	select {
	case inp := <-l.in:
		if err := l.handler(inp); err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-tickCh:
		if err := l.tickHandler(); err != nil {
			return fmt.Errorf("failed to handle tick: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
