package session

import (
	"context"
	"iter"
	"sync/atomic"

	"github.com/cyberinferno/go-webio/logger"
)

// AsyncSession runs its task as a coroutine of the event loop. The task
// goroutine and the loop pass a baton over unbuffered channels: the loop
// blocks while the task runs, and the task parks in Receive while the loop
// runs. Task code therefore never runs concurrently with loop callbacks, and
// messages sent between two suspension points are flushed together when the
// task parks.
//
// The IO handed to the task must only be used from the task goroutine. A
// task that blocks on anything other than Receive blocks the event loop.
type AsyncSession struct {
	id   uint32
	opts Options
	log  logger.Logger
	task Task

	out outbox

	// Owned by whichever side holds the baton.
	inbox    []Event
	parked   bool
	finished bool
	taskErr  error

	resume chan Event
	yield  chan struct{}

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

func newAsyncSession(task Task, opts Options) *AsyncSession {
	id := nextID()
	ctx, cancel := context.WithCancel(context.Background())
	s := &AsyncSession{
		id:     id,
		opts:   opts,
		log:    opts.logger(id),
		task:   task,
		resume: make(chan Event),
		yield:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	go s.run()
	<-s.yield
	s.afterStep()

	return s
}

func (s *AsyncSession) run() {
	err := runTask(s.ctx, s.task, s)

	s.taskErr = err
	s.finished = true

	select {
	case s.yield <- struct{}{}:
	case <-s.ctx.Done():
	}
}

// afterStep runs on the loop once the task has handed the baton back.
func (s *AsyncSession) afterStep() {
	if s.out.len() > 0 && s.opts.OnOutboundReady != nil {
		s.opts.OnOutboundReady(s)
	}

	if s.finished && s.closed.CompareAndSwap(false, true) {
		s.cancel()
		logTaskResult(s.log, s.taskErr)
		if s.opts.OnClose != nil {
			s.opts.OnClose()
		}
	}
}

// ID implements Session.
func (s *AsyncSession) ID() uint32 {
	return s.id
}

// SessionID implements IO.
func (s *AsyncSession) SessionID() uint32 {
	return s.id
}

// Context implements IO.
func (s *AsyncSession) Context() context.Context {
	return s.ctx
}

// Closed implements Session.
func (s *AsyncSession) Closed() bool {
	return s.closed.Load()
}

// DrainOutbound implements Session.
func (s *AsyncSession) DrainOutbound() iter.Seq[Message] {
	return s.out.drain()
}

// Send implements IO.
func (s *AsyncSession) Send(msg Message) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.out.push(msg)
	return nil
}

// Receive implements IO. It is the task's suspension point.
func (s *AsyncSession) Receive() (Event, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	if len(s.inbox) > 0 {
		ev := s.inbox[0]
		s.inbox = s.inbox[1:]
		return ev, nil
	}

	s.parked = true
	select {
	case s.yield <- struct{}{}:
	case <-s.ctx.Done():
		return nil, ErrSessionClosed
	}

	ev, ok := <-s.resume
	if !ok {
		return nil, ErrSessionClosed
	}

	return ev, nil
}

// SubmitInboundEvent implements Session. If the task is parked in Receive it
// is resumed with ev and the loop waits for its next suspension.
func (s *AsyncSession) SubmitInboundEvent(ev Event) {
	if s.closed.Load() || s.finished {
		return
	}

	if !s.parked {
		s.inbox = append(s.inbox, ev)
		return
	}

	s.parked = false
	s.resume <- ev
	<-s.yield
	s.afterStep()
}

// Close implements Session. A task parked in Receive is woken with
// ErrSessionClosed and left to return on its own.
func (s *AsyncSession) Close(suppressCallback bool) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.cancel()
	if s.parked {
		s.parked = false
		close(s.resume)
	}

	s.log.Debug("session closed", logger.Field{Key: "suppress_callback", Value: suppressCallback})
	if !suppressCallback && s.opts.OnClose != nil {
		s.opts.OnClose()
	}
}
