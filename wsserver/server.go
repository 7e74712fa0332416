// Package wsserver serves sessions over WebSocket. A Server accepts
// connections on /io, serves browser assets on every other path, and pairs
// each connection with a session through a Handler. All connection and
// session callbacks run on a single event loop.
//
// StartServer is the blocking entry point for multi-client use. Orchestrator
// serves one browser tab for an already running worker and stops once the
// worker ends.
package wsserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-webio/eventloop"
	"github.com/cyberinferno/go-webio/idgenerator"
	"github.com/cyberinferno/go-webio/logger"
	"github.com/cyberinferno/go-webio/session"
	"github.com/cyberinferno/go-webio/safemap"
	"github.com/cyberinferno/go-webio/static"
)

// Path is the WebSocket endpoint.
const Path = "/io"

var (
	// ErrServerRunning is returned when a server is started twice.
	ErrServerRunning = errors.New("server already running")

	// ErrServerStopped is returned when a stopped server is started.
	ErrServerStopped = errors.New("server stopped")
)

// Server is an HTTP server that upgrades /io requests to WebSocket
// connections and hands them to a Handler on its event loop.
type Server struct {
	opts      Options
	transport transportSettings
	log       logger.Logger
	ownsLog   bool

	loop     *eventloop.Loop
	handler  Handler
	upgrader websocket.Upgrader

	// Every upgraded connection until its close path ran, including ones
	// whose OnOpen is still queued.
	conns   *safemap.SafeMap[uint32, *Conn]
	connIDs *idgenerator.IdGenerator

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	port       int
	serving    bool
	stopped    bool
}

// NewServer creates a Server giving every connection a session that runs
// task.
//
// Parameters:
//   - task: The task served to each client
//   - opts: Server options
//
// Returns:
//   - The server, not yet listening
//   - An error if task is nil or the options are invalid
func NewServer(task session.Task, opts ...Option) (*Server, error) {
	if task == nil {
		return nil, session.ErrNilTask
	}

	s, err := newServer(opts...)
	if err != nil {
		return nil, err
	}

	s.handler = NewSessionHandler(task, s.opts.Mode, s.loop, s.log)
	return s, nil
}

func newServer(opts ...Option) (*Server, error) {
	s := &Server{
		loop:    eventloop.New(),
		conns:   safemap.NewSafeMap[uint32, *Conn](),
		connIDs: idgenerator.NewIdGenerator(0),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}

	s.log = s.opts.Logger
	if s.log == nil {
		level := zerolog.InfoLevel
		if s.opts.Debug {
			level = zerolog.DebugLevel
		}
		s.log = logger.NewConsoleLogger("webio", level)
		s.ownsLog = true
	}

	ts, err := parseTransport(s.opts.Transport, s.log)
	if err != nil {
		return nil, err
	}

	s.transport = ts
	s.upgrader = ts.upgrader()

	return s, nil
}

// Loop returns the event loop every handler callback runs on.
func (s *Server) Loop() *eventloop.Loop {
	return s.loop
}

// Port returns the bound port, or zero before Listen.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Len()
}

// Listen binds the listening socket. With port zero the operating system
// picks a free port, which is returned.
//
// Returns:
//   - The bound port
//   - ErrServerRunning, ErrServerStopped, or the bind error
func (s *Server) Listen() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0, ErrServerStopped
	}
	if s.listener != nil {
		return 0, ErrServerRunning
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)))
	if err != nil {
		return 0, fmt.Errorf("listen on %s:%d: %w", s.opts.Host, s.opts.Port, err)
	}

	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	cacheTTL := staticCacheTTL
	if s.opts.Debug {
		cacheTTL = 0
	}
	assets := s.opts.Assets
	if assets == nil {
		assets = static.DefaultAssets()
	}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.serveWebSocket)
	mux.Handle("/", static.NewHandler(assets, static.Config{CacheTTL: cacheTTL, Logger: s.log}))
	s.httpServer = &http.Server{Handler: mux}

	host := s.opts.Host
	if host == "" {
		host = "0.0.0.0"
	}
	s.log.Info("listening", logger.Field{Key: "addr", Value: net.JoinHostPort(host, strconv.Itoa(s.port))})

	return s.port, nil
}

// Serve runs the event loop and the HTTP server until Stop is called,
// listening first if Listen was not called. When Serve returns every
// connection has been closed and its session told so.
//
// Returns:
//   - nil after Stop, or the error that ended the server
func (s *Server) Serve() error {
	if s.Port() == 0 {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return ErrServerRunning
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrServerStopped
	}
	s.serving = true
	ln, hs := s.listener, s.httpServer
	s.mu.Unlock()

	session.MarkServerStarted()

	var g errgroup.Group
	g.Go(func() error {
		err := s.loop.Run()
		s.closeAll()
		_ = hs.Close()
		return err
	})
	g.Go(func() error {
		err := hs.Serve(ln)
		s.loop.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	err := g.Wait()
	if s.ownsLog {
		_ = s.log.Close()
	}

	return err
}

// Stop stops the server. It is safe to call from any goroutine, including
// handler callbacks, and more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	serving, ln := s.serving, s.listener
	s.mu.Unlock()

	s.loop.Stop()
	if !serving && ln != nil {
		_ = ln.Close()
	}
}

// StartServer serves task until the server fails. It is the blocking
// convenience form of NewServer, Listen and Serve.
//
// Parameters:
//   - task: The task served to each client
//   - opts: Server options
//
// Returns:
//   - The error that ended the server, e.g. a failed bind
func StartServer(task session.Task, opts ...Option) error {
	s, err := NewServer(task, opts...)
	if err != nil {
		return err
	}

	if _, err := s.Listen(); err != nil {
		return err
	}

	return s.Serve()
}

// serveWebSocket upgrades the request and runs the read loop on the
// request's goroutine.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logger.Field{Key: "error", Value: err.Error()}, logger.Field{Key: "addr", Value: r.RemoteAddr})
		return
	}

	c := newConn(s.connIDs.Id(), ws, &s.opts, s.transport, s.log)
	c.startKeepalive()

	s.conns.Store(c.id, c)
	if !s.loop.Post(func() { s.openConn(c) }) {
		s.conns.Delete(c.id)
		c.shutdown()
		return
	}

	s.readLoop(c)
}

func (s *Server) readLoop(c *Conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			s.logReadError(c, err)
			break
		}

		if !s.loop.Post(func() { s.dispatch(c, data) }) {
			break
		}
	}

	c.shutdown()
	s.loop.Post(func() { s.releaseConn(c) })
}

func (s *Server) openConn(c *Conn) {
	if c.released {
		return
	}

	c.opened = true
	c.log.Debug("websocket opened")
	s.handler.OnOpen(c)
}

func (s *Server) dispatch(c *Conn, data []byte) {
	if c.released {
		return
	}

	s.handler.OnMessage(c, data)
}

// releaseConn runs the close path of c once.
func (s *Server) releaseConn(c *Conn) {
	if c.released {
		return
	}

	c.released = true
	s.conns.Delete(c.id)
	if !c.opened {
		return
	}

	c.log.Debug("websocket closed")
	s.handler.OnClose(c)
}

// closeAll releases every connection left when the loop exits, including
// those whose OnOpen never ran. It runs on the goroutine that ran the loop,
// after Run returned.
func (s *Server) closeAll() {
	s.conns.Range(func(_ uint32, c *Conn) bool {
		c.shutdown()
		s.releaseConn(c)
		return true
	})
}

func (s *Server) logReadError(c *Conn, err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		c.Closing():
		c.log.Debug("connection closed", logger.Field{Key: "error", Value: err.Error()})
	default:
		c.log.Warn("connection read failed", logger.Field{Key: "error", Value: err.Error()})
	}
}
