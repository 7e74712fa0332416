package wsserver

import (
	"github.com/cyberinferno/go-webio/logger"
	"github.com/cyberinferno/go-webio/session"
	"github.com/cyberinferno/go-webio/utils"
)

// Handler receives the lifecycle events of every connection. All methods are
// called on the event loop, so implementations may touch loop-owned state
// without locking.
type Handler interface {
	// OnOpen is called once the WebSocket handshake has completed.
	OnOpen(c *Conn)

	// OnMessage is called for every frame the client sends, in order.
	OnMessage(c *Conn, data []byte)

	// OnClose is called exactly once when the transport is gone, whichever
	// side closed it.
	OnClose(c *Conn)
}

// sessionFactory creates the session for one connection.
type sessionFactory func(mode session.Mode, task session.Task, opts session.Options) (session.Session, error)

// SessionHandler gives every connection its own session running task.
type SessionHandler struct {
	task       session.Task
	mode       session.Mode
	scheduler  session.Scheduler
	log        logger.Logger
	newSession sessionFactory
}

// NewSessionHandler creates a SessionHandler.
//
// Parameters:
//   - task: The task each session runs
//   - mode: The execution model of the sessions
//   - scheduler: The event loop the handler is called on
//   - log: Logger for connection and session events
//
// Returns:
//   - The handler
func NewSessionHandler(task session.Task, mode session.Mode, scheduler session.Scheduler, log logger.Logger) *SessionHandler {
	return &SessionHandler{
		task:       task,
		mode:       mode,
		scheduler:  scheduler,
		log:        log,
		newSession: session.New,
	}
}

// OnOpen implements Handler.
func (h *SessionHandler) OnOpen(c *Conn) {
	c.SetNoDelay()

	s, err := h.newSession(h.mode, h.task, session.Options{
		OnOutboundReady: c.Flush,
		OnClose:         c.closeFromSession,
		Scheduler:       h.scheduler,
		Logger:          c.log,
	})
	if err != nil {
		c.log.Error("failed to create session", logger.Field{Key: "error", Value: err.Error()})
		c.Close()
		return
	}

	if err := c.Bind(s); err != nil {
		c.log.Error("failed to bind session", logger.Field{Key: "error", Value: err.Error()})
		s.Close(true)
		return
	}

	c.log.Debug("session created", logger.Field{Key: "session_id", Value: s.ID()}, logger.Field{Key: "mode", Value: h.mode.String()})
}

// OnMessage implements Handler. Payloads that are not JSON objects are
// dropped and the connection stays open.
func (h *SessionHandler) OnMessage(c *Conn, data []byte) {
	s := c.Session()
	if s == nil || s.Closed() {
		return
	}

	ev, err := utils.DecodeJSONObject(data)
	if err != nil {
		c.log.Warn("dropping malformed message", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	s.SubmitInboundEvent(ev)
}

// OnClose implements Handler.
func (h *SessionHandler) OnClose(c *Conn) {
	s := c.Session()
	if s == nil || c.ClosedBySession() {
		return
	}

	s.Close(true)
}
