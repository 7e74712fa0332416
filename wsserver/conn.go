package wsserver

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberinferno/go-webio/logger"
	"github.com/cyberinferno/go-webio/session"
)

// ErrSessionAlreadyBound is returned by Conn.Bind when the connection already
// has a session.
var ErrSessionAlreadyBound = errors.New("connection already has a session")

// Conn is one accepted WebSocket connection. Unless stated otherwise its
// methods must be called on the event loop, which is the only goroutine
// writing data frames.
type Conn struct {
	id  uint32
	ws  *websocket.Conn
	log logger.Logger

	writeTimeout time.Duration
	pingInterval time.Duration
	pingTimeout  time.Duration

	// Loop-owned.
	session         session.Session
	closedBySession bool
	opened          bool
	released        bool

	closing   atomic.Bool
	done      chan struct{}
	closeDone sync.Once
}

func newConn(id uint32, ws *websocket.Conn, opts *Options, ts transportSettings, log logger.Logger) *Conn {
	c := &Conn{
		id:           id,
		ws:           ws,
		writeTimeout: ts.writeTimeout,
		pingInterval: opts.PingInterval,
		done:         make(chan struct{}),
	}
	c.log = log.With(logger.Field{Key: "conn_id", Value: id}, logger.Field{Key: "addr", Value: ws.RemoteAddr().String()})

	if opts.MaxMessageSize > 0 {
		ws.SetReadLimit(opts.MaxMessageSize)
	}
	if opts.PingInterval > 0 {
		c.pingTimeout = opts.pingTimeout()
	}

	return c
}

// ID returns the connection identifier, unique within the process.
func (c *Conn) ID() uint32 {
	return c.id
}

// Session returns the bound session, or nil.
func (c *Conn) Session() session.Session {
	return c.session
}

// Bind attaches s to the connection. A connection is bound at most once.
//
// Parameters:
//   - s: The session serving this connection
//
// Returns:
//   - ErrSessionAlreadyBound if a session is already bound
func (c *Conn) Bind(s session.Session) error {
	if c.session != nil {
		return ErrSessionAlreadyBound
	}

	c.session = s
	return nil
}

// ClosedBySession reports whether the bound session initiated the close.
func (c *Conn) ClosedBySession() bool {
	return c.closedBySession
}

// Closing reports whether Close has been called. Safe from any goroutine.
func (c *Conn) Closing() bool {
	return c.closing.Load()
}

// SetNoDelay disables Nagle's algorithm so small frames leave immediately.
func (c *Conn) SetNoDelay() {
	if tcp, ok := c.ws.NetConn().(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
}

// WriteMessage encodes msg as JSON and writes it as one text frame. A failed
// write tears down the transport so the read side runs the close path; the
// error is returned only so callers can stop writing.
//
// Parameters:
//   - msg: The message to send
//
// Returns:
//   - An error if the message could not be encoded or written
func (c *Conn) WriteMessage(msg session.Message) error {
	if c.closing.Load() {
		return websocket.ErrCloseSent
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to encode message", logger.Field{Key: "error", Value: err.Error()})
		return err
	}

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug("write failed, dropping connection", logger.Field{Key: "error", Value: err.Error()})
		_ = c.ws.Close()
		return err
	}

	return nil
}

// Flush writes every message pending in s, in order.
func (c *Conn) Flush(s session.Session) {
	for msg := range s.DrainOutbound() {
		if err := c.WriteMessage(msg); err != nil {
			return
		}
	}
}

// Close starts the close handshake: it sends a close frame and gives the
// client closeGracePeriod to answer before the read side gives up. It is
// idempotent.
func (c *Conn) Close() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}

	deadline := time.Now().Add(controlWriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		_ = c.ws.Close()
		return
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(closeGracePeriod))
}

// closeFromSession is the session's OnClose callback.
func (c *Conn) closeFromSession() {
	c.closedBySession = true
	c.Close()
}

// startKeepalive arms the read deadline and starts the ping goroutine when
// keep-alive is enabled. Called once, before OnOpen is posted, so a Close
// from OnOpen always has the last word on the read deadline.
func (c *Conn) startKeepalive() {
	if c.pingInterval <= 0 {
		return
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(c.pingTimeout))
	c.ws.SetPongHandler(func(string) error {
		if c.closing.Load() {
			return nil
		}
		return c.ws.SetReadDeadline(time.Now().Add(c.pingTimeout))
	})

	go c.pingLoop()
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.closing.Load() {
				return
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
				c.log.Debug("ping failed", logger.Field{Key: "error", Value: err.Error()})
				return
			}
		}
	}
}

// shutdown closes the transport and stops the ping goroutine. Safe from any
// goroutine.
func (c *Conn) shutdown() {
	c.closeDone.Do(func() {
		close(c.done)
	})
	_ = c.ws.Close()
}
