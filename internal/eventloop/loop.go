// Package eventloop provides the single logical thread that session and
// negotiation state is confined to.
//
// Callbacks that arrive on foreign goroutines (signaling reads, pion
// operations, timers) never touch state directly. They Post a closure and
// the loop runs closures one at a time, in the order they were posted.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by Do when the loop is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Loop runs posted closures sequentially on one goroutine.
//
// The queue is unbounded so Post never blocks. Pion invokes callbacks from
// its own operation queue, and a blocking hand-off there could deadlock
// against a loop handler that is waiting on the same peer connection.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	once    sync.Once
}

// New creates a loop. Call Run to start processing.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn to run on the loop. It reports false if the loop has
// been stopped and fn was dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for its result. If ctx ends before fn
// started, fn is skipped and ctx.Err() is returned. Once fn started, Do
// waits for it to return.
//
// Do must not be called from the loop goroutine itself.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var claimed atomic.Bool
	result := make(chan error, 1)
	if !l.Post(func() {
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		result <- fn()
	}) {
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-l.done:
		return l.lastResult(result)
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
	}

	// fn is already running.
	select {
	case err := <-result:
		return err
	case <-l.done:
		return l.lastResult(result)
	}
}

// lastResult returns the result of a closure that may have run right before
// the loop exited.
func (l *Loop) lastResult(result <-chan error) error {
	select {
	case err := <-result:
		return err
	default:
		return ErrStopped
	}
}

// Run processes closures until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer l.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// Stop ends the loop. Queued closures that have not started are dropped.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
