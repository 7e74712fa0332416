package wsserver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/browser"

	"github.com/cyberinferno/go-webio/logger"
	"github.com/cyberinferno/go-webio/session"
	"github.com/cyberinferno/go-webio/utils"
)

const (
	// DefaultPollInterval is how often the Orchestrator checks the worker.
	DefaultPollInterval = time.Second

	designatedHost      = "localhost"
	reachabilityTimeout = 5 * time.Second
	reachabilityDelay   = 500 * time.Millisecond
)

// ErrWorkerExited is returned by Orchestrator.Start when the worker ends
// before a browser connects.
var ErrWorkerExited = errors.New("worker exited before a client connected")

// State is the lifecycle state of an Orchestrator.
type State int32

const (
	// StateWaitingForConnection means the server runs and no client has
	// claimed the session yet.
	StateWaitingForConnection State = iota
	// StateActive means a client holds the session.
	StateActive
	// StateClosing means the worker has ended and the server is flushing.
	StateClosing
	// StateStopped means the server has exited.
	StateStopped
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateWaitingForConnection:
		return "waiting_for_connection"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Orchestrator serves a single browser tab for a worker that is already
// running. The first connection gets the worker's session; later ones are
// closed. Once the worker is no longer alive the server stops.
//
// Set PollInterval and OpenBrowser before calling Start.
type Orchestrator struct {
	// PollInterval is how often worker liveness is checked, and how long
	// pending output may flush after the worker ends.
	PollInterval time.Duration

	// OpenBrowser opens url in a browser. Defaults to browser.OpenURL.
	OpenBrowser func(url string) error

	opts   []Option
	log    logger.Logger
	server *Server
	worker session.Worker

	state   atomic.Int32
	started atomic.Bool

	// Written on the loop before claimed is closed.
	session *session.DesignatedSession
	claimed chan struct{}

	served   chan struct{}
	serveErr error
	stopOnce sync.Once
}

// NewOrchestrator creates an Orchestrator. The server binds localhost on a
// free port unless opts say otherwise.
//
// Parameters:
//   - opts: Server options
//
// Returns:
//   - The orchestrator
func NewOrchestrator(opts ...Option) *Orchestrator {
	return &Orchestrator{
		PollInterval: DefaultPollInterval,
		OpenBrowser:  browser.OpenURL,
		opts:         append([]Option{WithHost(designatedHost)}, opts...),
		claimed:      make(chan struct{}),
		served:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.log.Debug("designated server state changed", logger.Field{Key: "state", Value: s.String()})
}

// URL returns the address of the page served to the browser. It is empty
// before Start.
func (o *Orchestrator) URL() string {
	if o.server == nil {
		return ""
	}

	return "http://" + net.JoinHostPort(designatedHost, strconv.Itoa(o.server.Port()))
}

// Start runs the server on its own goroutine, opens the browser, and waits
// for the first connection. The worker talks to the browser through the
// returned IO from then on.
//
// Parameters:
//   - ctx: Cancelling ctx while waiting stops the server
//   - worker: The worker whose liveness bounds the server's lifetime
//
// Returns:
//   - The IO of the session bound to the first connection
//   - ErrServerRunning if Start was already called, ErrWorkerExited if the
//     worker ended first, ctx.Err(), or the server's error
func (o *Orchestrator) Start(ctx context.Context, worker session.Worker) (session.IO, error) {
	if !o.started.CompareAndSwap(false, true) {
		return nil, ErrServerRunning
	}

	srv, err := newServer(o.opts...)
	if err != nil {
		return nil, err
	}

	o.server = srv
	o.worker = worker
	o.log = srv.log.With(logger.Field{Key: "worker", Value: worker.Name()})
	srv.handler = &designatedHandler{o: o}

	port, err := srv.Listen()
	if err != nil {
		o.serveErr = err
		o.setState(StateStopped)
		close(o.served)
		return nil, err
	}

	go o.serve()
	go o.watch()
	go o.openBrowser(port)

	select {
	case <-o.claimed:
		return o.session, nil
	case <-ctx.Done():
		o.Stop()
		<-o.served
		return nil, ctx.Err()
	case <-o.served:
		if o.serveErr != nil {
			return nil, o.serveErr
		}
		if !worker.Alive() {
			return nil, ErrWorkerExited
		}
		return nil, ErrServerStopped
	}
}

// Wait blocks until the server has exited.
//
// Returns:
//   - The error that ended the server, nil after a normal stop
func (o *Orchestrator) Wait() error {
	<-o.served
	return o.serveErr
}

// Stop stops the server without waiting for the worker.
func (o *Orchestrator) Stop() {
	if o.server == nil {
		return
	}

	o.stopOnce.Do(func() {
		o.server.Stop()
	})
}

func (o *Orchestrator) serve() {
	err := o.server.Serve()
	o.serveErr = err
	o.setState(StateStopped)

	if err != nil {
		o.log.Error("designated server failed", logger.Field{Key: "error", Value: err.Error()})
	} else {
		o.log.Info("designated server exited")
	}
	close(o.served)
}

// watch polls the worker and stops the server one interval after the
// worker ends, leaving time for its last messages to go out.
func (o *Orchestrator) watch() {
	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.served:
			return
		case <-ticker.C:
		}

		if o.worker.Alive() {
			continue
		}

		o.log.Info("worker exited, stopping designated server")
		o.setState(StateClosing)

		select {
		case <-o.served:
			return
		case <-time.After(o.PollInterval):
		}

		o.Stop()
		return
	}
}

func (o *Orchestrator) openBrowser(port int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-o.served:
			cancel()
		case <-ctx.Done():
		}
	}()

	if !utils.WaitHostPort(ctx, designatedHost, port, reachabilityTimeout, reachabilityDelay) {
		if ctx.Err() == nil {
			o.log.Error("designated server not reachable", logger.Field{Key: "addr", Value: net.JoinHostPort(designatedHost, strconv.Itoa(port))})
		}
		return
	}

	url := o.URL()
	o.log.Info("opening browser", logger.Field{Key: "url", Value: url})
	if err := o.OpenBrowser(url); err != nil {
		o.log.Error("failed to open browser", logger.Field{Key: "url", Value: url}, logger.Field{Key: "error", Value: err.Error()})
	}
}

// designatedHandler gives the first connection the worker's session and
// closes every later one.
type designatedHandler struct {
	o *Orchestrator
}

// OnOpen implements Handler.
func (h *designatedHandler) OnOpen(c *Conn) {
	o := h.o
	if o.session != nil {
		c.log.Debug("refusing connection, designated session already claimed")
		c.Close()
		return
	}

	s, err := session.NewDesignatedSession(o.worker, session.Options{
		OnOutboundReady: c.Flush,
		Scheduler:       o.server.Loop(),
		Logger:          c.log,
	})
	if err != nil {
		c.log.Error("failed to create designated session", logger.Field{Key: "error", Value: err.Error()})
		c.Close()
		return
	}

	if err := c.Bind(s); err != nil {
		c.log.Error("failed to bind designated session", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	c.SetNoDelay()
	o.session = s
	o.setState(StateActive)
	close(o.claimed)
}

// OnMessage implements Handler. Frames from refused connections are ignored.
func (h *designatedHandler) OnMessage(c *Conn, data []byte) {
	s := c.Session()
	if s == nil {
		return
	}

	ev, err := utils.DecodeJSONObject(data)
	if err != nil {
		c.log.Warn("dropping malformed message", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	s.SubmitInboundEvent(ev)
}

// OnClose implements Handler. Only the owning connection closes the session.
func (h *designatedHandler) OnClose(c *Conn) {
	s := c.Session()
	if s == nil || c.ClosedBySession() {
		return
	}

	s.Close(true)
}

