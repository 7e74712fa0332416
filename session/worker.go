package session

import (
	"sync"
	"sync/atomic"
)

// Worker is a unit of execution whose liveness can be polled.
type Worker interface {
	Name() string
	Alive() bool
}

// Thread is a Worker backed by a goroutine.
type Thread struct {
	name string
	done chan struct{}
	once sync.Once
}

// Go starts fn on a new goroutine and returns the Thread tracking it. The
// Thread stops being alive when fn returns.
func Go(name string, fn func()) *Thread {
	t := Current(name)
	go func() {
		defer t.Exit()
		fn()
	}()

	return t
}

// Current returns a Thread representing the calling goroutine. The caller
// must call Exit when its work is done, typically with defer.
func Current(name string) *Thread {
	return &Thread{
		name: name,
		done: make(chan struct{}),
	}
}

// Name implements Worker.
func (t *Thread) Name() string {
	return t.name
}

// Alive implements Worker.
func (t *Thread) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Exit marks the thread as terminated. It is idempotent.
func (t *Thread) Exit() {
	t.once.Do(func() {
		close(t.done)
	})
}

var serverStarted atomic.Bool

// MarkServerStarted records that a server exists in this process. It
// reports true only for the first call.
func MarkServerStarted() bool {
	return serverStarted.CompareAndSwap(false, true)
}

// ServerStarted reports whether MarkServerStarted has been called. Code
// that needs a live server, such as a script falling back to designated
// mode, checks it before starting one.
func ServerStarted() bool {
	return serverStarted.Load()
}
