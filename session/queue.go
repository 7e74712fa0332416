package session

import (
	"context"
	"iter"
	"sync"

	"github.com/cyberinferno/go-webio/idgenerator"
)

// sessionIDs hands out session identifiers, starting at 1.
var sessionIDs = idgenerator.NewIdGenerator(0)

func nextID() uint32 {
	return sessionIDs.Id()
}

// outbox is the unbounded FIFO of messages waiting for the event loop.
// Producers may be any goroutine.
type outbox struct {
	mu    sync.Mutex
	items []Message
}

func (q *outbox) push(m Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
}

func (q *outbox) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}

	return m, true
}

func (q *outbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain yields at most the number of messages queued when iteration starts,
// so a producer that keeps sending cannot make one drain run forever.
func (q *outbox) drain() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		n := q.len()
		for range n {
			m, ok := q.pop()
			if !ok || !yield(m) {
				return
			}
		}
	}
}

// inbox buffers client events for a task blocked in Receive on another
// goroutine.
type inbox struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	q.signal()
}

func (q *inbox) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an event is available or ctx is done.
func (q *inbox) pop(ctx context.Context) (Event, error) {
	for {
		if ctx.Err() != nil {
			return nil, ErrSessionClosed
		}

		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events[0] = nil
			q.events = q.events[1:]
			more := len(q.events) > 0
			q.mu.Unlock()

			if more {
				q.signal()
			}
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ErrSessionClosed
		}
	}
}
