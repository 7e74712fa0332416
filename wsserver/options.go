package wsserver

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberinferno/go-webio/config"
	"github.com/cyberinferno/go-webio/logger"
	"github.com/cyberinferno/go-webio/session"
)

const (
	// minPingTimeout is the lower bound of the derived pong timeout.
	minPingTimeout = 30 * time.Second

	// closeGracePeriod bounds how long a closing connection waits for the
	// client to answer the close frame.
	closeGracePeriod = time.Second

	// controlWriteWait bounds ping and close frame writes.
	controlWriteWait = 5 * time.Second

	// staticCacheTTL is how long served assets stay cached outside debug mode.
	staticCacheTTL = time.Hour
)

// Options holds the settings of a Server. Use the With* functions to build
// it; fields left unset keep the gorilla/websocket defaults.
type Options struct {
	Host  string
	Port  int
	Mode  session.Mode
	Debug bool

	// MaxMessageSize limits inbound frames. Zero means no limit.
	MaxMessageSize int64

	// PingInterval enables keep-alive pings. Zero disables them.
	PingInterval time.Duration

	// PingTimeout is how long to wait for a pong. Zero derives it from
	// PingInterval.
	PingTimeout time.Duration

	// Transport is a passthrough bag of WebSocket settings.
	Transport map[string]any

	// Assets served on every path except the WebSocket endpoint. Nil serves
	// the embedded assets.
	Assets fs.FS

	Logger logger.Logger
}

// Option configures a Server.
type Option func(*Options)

// WithHost sets the interface to bind. Empty binds all interfaces.
func WithHost(host string) Option {
	return func(o *Options) {
		o.Host = host
	}
}

// WithPort sets the port to bind. Zero picks a free port.
func WithPort(port int) Option {
	return func(o *Options) {
		o.Port = port
	}
}

// WithMode selects the session execution model.
func WithMode(mode session.Mode) Option {
	return func(o *Options) {
		o.Mode = mode
	}
}

// WithDebug enables debug logging for the default logger and disables
// static asset caching.
func WithDebug(debug bool) Option {
	return func(o *Options) {
		o.Debug = debug
	}
}

// WithMaxMessageSize limits the size of inbound messages in bytes.
func WithMaxMessageSize(n int64) Option {
	return func(o *Options) {
		o.MaxMessageSize = n
	}
}

// WithPingInterval sends a ping every d and closes connections that stop
// answering.
func WithPingInterval(d time.Duration) Option {
	return func(o *Options) {
		o.PingInterval = d
	}
}

// WithPingTimeout sets how long a connection may go without a pong. It only
// has effect together with WithPingInterval.
func WithPingTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.PingTimeout = d
	}
}

// WithTransport passes low-level WebSocket settings. Recognised keys:
//
//   - read_buffer_size, write_buffer_size: I/O buffer sizes in bytes
//   - handshake_timeout, write_timeout: durations ("10s") or seconds
//   - enable_compression: per-message deflate, on by default
//   - check_origin: reject cross-origin upgrades, off by default
//
// Unknown keys are logged and ignored.
func WithTransport(settings map[string]any) Option {
	return func(o *Options) {
		if o.Transport == nil {
			o.Transport = make(map[string]any, len(settings))
		}
		for k, v := range settings {
			o.Transport[k] = v
		}
	}
}

// WithAssets serves browser assets from assets instead of the embedded ones.
func WithAssets(assets fs.FS) Option {
	return func(o *Options) {
		o.Assets = assets
	}
}

// WithStaticDir serves browser assets from dir.
func WithStaticDir(dir string) Option {
	return WithAssets(os.DirFS(dir))
}

// WithLogger sets the logger. Without it the server logs to stderr.
func WithLogger(l logger.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// OptionsFromConfig turns the server section of a configuration file into
// options. Settings absent from the file produce no option.
//
// Parameters:
//   - cfg: The server configuration
//
// Returns:
//   - The options to pass to NewServer
//   - An error if the mode is unknown
func OptionsFromConfig(cfg config.Server) ([]Option, error) {
	mode, err := session.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	opts := []Option{WithMode(mode)}

	if cfg.Host != "" {
		opts = append(opts, WithHost(cfg.Host))
	}
	if cfg.Port != 0 {
		opts = append(opts, WithPort(cfg.Port))
	}
	if cfg.StaticDir != "" {
		opts = append(opts, WithStaticDir(cfg.StaticDir))
	}
	if cfg.Debug != nil {
		opts = append(opts, WithDebug(*cfg.Debug))
	}
	if cfg.MaxMessageSize != nil {
		opts = append(opts, WithMaxMessageSize(*cfg.MaxMessageSize))
	}
	if cfg.PingInterval != nil {
		opts = append(opts, WithPingInterval(cfg.PingInterval.Std()))
	}
	if cfg.PingTimeout != nil {
		opts = append(opts, WithPingTimeout(cfg.PingTimeout.Std()))
	}
	if len(cfg.Transport) > 0 {
		opts = append(opts, WithTransport(cfg.Transport))
	}

	return opts, nil
}

// pingTimeout returns the effective pong timeout.
func (o *Options) pingTimeout() time.Duration {
	if o.PingTimeout > 0 {
		return o.PingTimeout
	}

	return max(3*o.PingInterval, minPingTimeout)
}

// transportSettings is the decoded form of Options.Transport.
type transportSettings struct {
	readBufferSize    int
	writeBufferSize   int
	handshakeTimeout  time.Duration
	writeTimeout      time.Duration
	enableCompression bool
	checkOrigin       bool
}

// parseTransport decodes the transport bag. Values of the wrong type are
// errors; unknown keys are only logged.
func parseTransport(bag map[string]any, log logger.Logger) (transportSettings, error) {
	ts := transportSettings{enableCompression: true}

	for key, value := range bag {
		var err error
		switch key {
		case "read_buffer_size":
			ts.readBufferSize, err = toInt(value)
		case "write_buffer_size":
			ts.writeBufferSize, err = toInt(value)
		case "handshake_timeout":
			ts.handshakeTimeout, err = toDuration(value)
		case "write_timeout":
			ts.writeTimeout, err = toDuration(value)
		case "enable_compression":
			ts.enableCompression, err = toBool(value)
		case "check_origin":
			ts.checkOrigin, err = toBool(value)
		default:
			log.Warn("ignoring unknown transport setting", logger.Field{Key: "key", Value: key})
		}

		if err != nil {
			return ts, fmt.Errorf("transport setting %s: %w", key, err)
		}
	}

	return ts, nil
}

// upgrader builds the WebSocket upgrader for ts.
func (ts transportSettings) upgrader() websocket.Upgrader {
	u := websocket.Upgrader{
		ReadBufferSize:    ts.readBufferSize,
		WriteBufferSize:   ts.writeBufferSize,
		HandshakeTimeout:  ts.handshakeTimeout,
		EnableCompression: ts.enableCompression,
	}

	// A nil CheckOrigin makes gorilla enforce same-origin.
	if !ts.checkOrigin {
		u.CheckOrigin = func(r *http.Request) bool { return true }
	}

	return u
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// toDuration accepts a duration string or a number of seconds.
func toDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		return time.ParseDuration(d)
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("unsupported type %T", v)
	}
}
