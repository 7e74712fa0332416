package session

import (
	"context"
	"iter"
	"sync/atomic"

	"github.com/cyberinferno/go-webio/logger"
)

// threadCore is the state shared by sessions whose task code runs on a
// goroutine other than the event loop. Every Send posts a drain onto the
// loop, so the loop stays the only place messages leave the session.
type threadCore struct {
	id   uint32
	opts Options
	log  logger.Logger
	self Session

	out outbox
	in  *inbox

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

func newThreadCore(opts Options) *threadCore {
	id := nextID()
	ctx, cancel := context.WithCancel(context.Background())
	return &threadCore{
		id:     id,
		opts:   opts,
		log:    opts.logger(id),
		in:     newInbox(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID implements Session.
func (c *threadCore) ID() uint32 {
	return c.id
}

// SessionID implements IO.
func (c *threadCore) SessionID() uint32 {
	return c.id
}

// Context implements IO.
func (c *threadCore) Context() context.Context {
	return c.ctx
}

// Closed implements Session.
func (c *threadCore) Closed() bool {
	return c.closed.Load()
}

// DrainOutbound implements Session.
func (c *threadCore) DrainOutbound() iter.Seq[Message] {
	return c.out.drain()
}

// SubmitInboundEvent implements Session.
func (c *threadCore) SubmitInboundEvent(ev Event) {
	if c.closed.Load() {
		return
	}

	c.in.push(ev)
}

// Send implements IO. It is safe to call from any goroutine.
func (c *threadCore) Send(msg Message) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}

	c.out.push(msg)
	if c.opts.OnOutboundReady == nil {
		return nil
	}

	posted := c.opts.Scheduler.Post(func() {
		if c.out.len() > 0 {
			c.opts.OnOutboundReady(c.self)
		}
	})
	if !posted {
		return ErrSessionClosed
	}

	return nil
}

// Receive implements IO.
func (c *threadCore) Receive() (Event, error) {
	return c.in.pop(c.ctx)
}

// markClosed flips the closed flag once and cancels the task context.
func (c *threadCore) markClosed() bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}

	c.cancel()
	return true
}

// Close implements Session.
func (c *threadCore) Close(suppressCallback bool) {
	if !c.markClosed() {
		return
	}

	c.log.Debug("session closed", logger.Field{Key: "suppress_callback", Value: suppressCallback})
	if !suppressCallback && c.opts.OnClose != nil {
		c.opts.OnClose()
	}
}

// ThreadSession runs its task on a dedicated goroutine.
type ThreadSession struct {
	*threadCore
	task Task
	done chan struct{}
}

func newThreadSession(task Task, opts Options) *ThreadSession {
	s := &ThreadSession{
		threadCore: newThreadCore(opts),
		task:       task,
		done:       make(chan struct{}),
	}
	s.self = s

	go s.run()
	return s
}

func (s *ThreadSession) run() {
	defer close(s.done)

	err := runTask(s.ctx, s.task, s)
	logTaskResult(s.log, err)

	// Posted after every drain the task triggered, so the client receives
	// all messages before the connection closes.
	if !s.opts.Scheduler.Post(s.finish) {
		s.markClosed()
	}
}

func (s *ThreadSession) finish() {
	if !s.markClosed() {
		return
	}

	s.log.Debug("closing session after task returned")
	if s.opts.OnClose != nil {
		s.opts.OnClose()
	}
}
