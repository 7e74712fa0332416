// Package session defines the Session abstraction that pairs one task
// execution with one connection's message stream, and the closed set of
// session variants the bridge can create:
//
//   - AsyncSession runs the task cooperatively: task code only executes while
//     the event loop is parked waiting for it, and it hands control back at
//     every Receive.
//   - ThreadSession runs the task on its own goroutine and hands outbound
//     messages back to the event loop through a Scheduler.
//   - DesignatedSession serves a caller-supplied worker that is already
//     running, used by the single-connection designated mode.
//
// Sessions buffer outbound messages in FIFO order; the owner drains them with
// DrainOutbound whenever OnOutboundReady fires.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/cyberinferno/go-webio/logger"
)

var (
	// ErrSessionClosed is returned by IO operations once the session is closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrUnknownMode is returned by New and ParseMode for an unsupported mode.
	ErrUnknownMode = errors.New("unknown session mode")

	// ErrNilTask is returned by New when no task is supplied.
	ErrNilTask = errors.New("task is nil")

	// ErrNilScheduler is returned when a goroutine-backed session has no
	// Scheduler to hand messages back to the event loop.
	ErrNilScheduler = errors.New("scheduler is nil")
)

// Message is one outbound structured event, sent to the client as one JSON
// object per frame.
type Message = map[string]any

// Event is one inbound structured event received from the client.
type Event = map[string]any

// IO is the handle a task uses to talk to its client.
type IO interface {
	// Send queues msg for delivery to the client. Messages are delivered in
	// the order they were sent.
	Send(msg Message) error

	// Receive blocks until the next client event arrives. It returns
	// ErrSessionClosed once the session is closed.
	Receive() (Event, error)

	// Context is cancelled when the session closes.
	Context() context.Context

	// SessionID returns the identifier of the session behind this IO.
	SessionID() uint32
}

// Task is the backend computation served to each client. Its return ends the
// session.
type Task func(ctx context.Context, io IO) error

// Scheduler posts a callback onto the event loop. Post must not block and
// reports false if the callback will never run.
type Scheduler interface {
	Post(fn func()) bool
}

// Session is the capability the connection handler consumes.
type Session interface {
	// ID returns the session's unique identifier.
	ID() uint32

	// DrainOutbound yields the messages pending at the time iteration starts,
	// oldest first, removing each as it is yielded.
	DrainOutbound() iter.Seq[Message]

	// SubmitInboundEvent hands a client event to the task. Must be called on
	// the event loop.
	SubmitInboundEvent(ev Event)

	// Close ends the session. When suppressCallback is true the OnClose
	// callback is not invoked, because the transport is already closed. Close
	// is idempotent and must be called on the event loop.
	Close(suppressCallback bool)

	// Closed reports whether the session has been closed by either side.
	Closed() bool
}

// Options carries the callbacks and collaborators a session is built with.
type Options struct {
	// OnOutboundReady is invoked on the event loop when the session has
	// messages waiting in DrainOutbound.
	OnOutboundReady func(s Session)

	// OnClose is invoked on the event loop when the session decides to close
	// on its own, e.g. because the task returned.
	OnClose func()

	// Scheduler is the event loop. Required for ThreadSession and
	// DesignatedSession.
	Scheduler Scheduler

	// Logger defaults to a no-op logger.
	Logger logger.Logger
}

func (o Options) logger(id uint32) logger.Logger {
	l := o.Logger
	if l == nil {
		l = logger.NewNopLogger()
	}

	return l.With(logger.Field{Key: "session_id", Value: id})
}

// Mode selects the session variant created for each connection.
type Mode int

const (
	// ModeThread runs each task on a dedicated goroutine (ThreadSession).
	ModeThread Mode = iota
	// ModeAsync runs each task cooperatively with the event loop (AsyncSession).
	ModeAsync
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeThread:
		return "thread"
	case ModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

// ParseMode maps a configuration string to a Mode. An empty string selects
// ModeThread.
//
// Parameters:
//   - s: "thread", "async" or "coroutine", case-insensitive
//
// Returns:
//   - The parsed Mode
//   - ErrUnknownMode wrapped with the input if s is not recognised
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "thread":
		return ModeThread, nil
	case "async", "coroutine":
		return ModeAsync, nil
	default:
		return ModeThread, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// New creates the session variant selected by mode and starts its task.
// It must be called on the event loop: an AsyncSession runs its task up to
// the first suspension point before New returns.
//
// Parameters:
//   - mode: The execution model
//   - task: The task to run for this session
//   - opts: Callbacks and collaborators
//
// Returns:
//   - The running Session
//   - ErrNilTask, ErrNilScheduler or ErrUnknownMode on invalid input
func New(mode Mode, task Task, opts Options) (Session, error) {
	if task == nil {
		return nil, ErrNilTask
	}

	switch mode {
	case ModeAsync:
		return newAsyncSession(task, opts), nil
	case ModeThread:
		if opts.Scheduler == nil {
			return nil, ErrNilScheduler
		}
		return newThreadSession(task, opts), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(mode))
	}
}

// runTask calls task and converts a panic into an error so one broken task
// cannot take the server down.
func runTask(ctx context.Context, task Task, io IO) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return task(ctx, io)
}

func logTaskResult(l logger.Logger, err error) {
	if err == nil || errors.Is(err, ErrSessionClosed) || errors.Is(err, context.Canceled) {
		l.Debug("task finished")
		return
	}

	l.Error("task failed", logger.Field{Key: "error", Value: err.Error()})
}
