// Package eventloop provides a single-goroutine callback loop. Every callback
// posted to a Loop runs on the same goroutine in the order it was posted, so
// state owned by the loop needs no further locking. Other goroutines hand work
// to the loop with Post.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrLoopRunning is returned by Run when the loop is already running or has
// already run.
var ErrLoopRunning = errors.New("event loop already running")

// Loop executes posted callbacks sequentially on the goroutine that called
// Run. It is safe to call Post and Stop from any goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake     chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Loop that is ready to Run.
func New() *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Post schedules fn to run on the loop goroutine. Callbacks run in FIFO order.
// Post never blocks.
//
// Parameters:
//   - fn: The callback to run
//
// Returns:
//   - false if the loop has been stopped and fn will never run
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

// Run executes callbacks until Stop is called. It blocks the calling
// goroutine. Callbacks still queued when the loop stops are dropped.
//
// Returns:
//   - ErrLoopRunning if Run was already called, nil once stopped
func (l *Loop) Run() error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer close(l.done)

	for {
		select {
		case <-l.stopCh:
			return nil
		case <-l.wake:
		}

		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-l.stopCh:
				return nil
			default:
			}

			fn()
		}
	}
}

// Stop ends the loop after the callback currently executing returns. It is
// idempotent and may be called from a loop callback.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()

		close(l.stopCh)
		l.cancel()
	})
}

// Context returns a context that is cancelled when the loop is stopped.
// Background work tied to the loop's lifetime should watch it.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Done returns a channel closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
