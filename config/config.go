// Package config loads the YAML configuration of a webio server.
//
// A configuration file has two sections, server and log. Optional server
// settings are pointers: a setting that is absent from the file leaves the
// corresponding WebSocket default untouched, which is different from
// setting it to zero.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/go-webio/logger"
	"github.com/cyberinferno/go-webio/session"
)

// Config is the root of a configuration file.
type Config struct {
	// Server configures the HTTP and WebSocket listener.
	Server Server `yaml:"server"`

	// Log configures logging.
	Log Log `yaml:"log"`
}

// Server configures the listener and the sessions it creates.
type Server struct {
	// Host to bind. Empty binds all interfaces.
	Host string `yaml:"host"`

	// Port to bind. Zero picks a free port.
	Port int `yaml:"port"`

	// Mode is the session execution model: thread or async.
	Mode string `yaml:"mode"`

	// StaticDir serves browser assets from disk instead of the embedded ones.
	StaticDir string `yaml:"static_dir"`

	Debug          *bool     `yaml:"debug,omitempty"`
	MaxMessageSize *int64    `yaml:"max_message_size,omitempty"`
	PingInterval   *Duration `yaml:"ping_interval,omitempty"`
	PingTimeout    *Duration `yaml:"ping_timeout,omitempty"`

	// Transport is passed to the WebSocket layer as-is. See
	// wsserver.WithTransport for the recognised keys.
	Transport map[string]any `yaml:"transport,omitempty"`
}

// Log configures logging.
type Log struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// Dir enables daily rotated log files in this directory.
	Dir string `yaml:"dir"`

	// Service names the log files and tags every entry.
	Service string `yaml:"service"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{
			Mode: session.ModeThread.String(),
		},
		Log: Log{
			Level:   "info",
			Service: "webio",
		},
	}
}

// Load reads and validates the configuration file at path. Values missing
// from the file keep their Default.
//
// Parameters:
//   - path: The YAML file to read
//
// Returns:
//   - The loaded configuration
//   - An error if the file cannot be read, parsed or validated
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes and validates YAML configuration. Unknown keys are rejected
// so a misspelt option does not silently fall back to its default.
//
// Parameters:
//   - data: The YAML document
//
// Returns:
//   - The parsed configuration
//   - An error if the document is invalid
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port))
	}

	if _, err := session.ParseMode(c.Server.Mode); err != nil {
		errs = append(errs, fmt.Errorf("server.mode: %w", err))
	}

	if c.Server.MaxMessageSize != nil && *c.Server.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_message_size must be positive"))
	}

	if c.Server.PingInterval != nil && *c.Server.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("server.ping_interval must be positive"))
	}

	if c.Server.PingTimeout != nil && *c.Server.PingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.ping_timeout must be positive"))
	}

	if c.Server.StaticDir != "" {
		if info, err := os.Stat(c.Server.StaticDir); err != nil {
			errs = append(errs, fmt.Errorf("server.static_dir: %w", err))
		} else if !info.IsDir() {
			errs = append(errs, fmt.Errorf("server.static_dir %s is not a directory", c.Server.StaticDir))
		}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if c.Log.Service == "" {
		errs = append(errs, fmt.Errorf("log.service is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Logger builds the Logger described by the log section.
//
// Parameters:
//   - debug: Forces debug level regardless of log.level
//
// Returns:
//   - The Logger; the caller must Close it
//   - An error if log.level is invalid or the log directory cannot be used
func (c *Config) Logger(debug bool) (logger.Logger, error) {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	if debug {
		level = zerolog.DebugLevel
	}

	if c.Log.Dir == "" {
		return logger.NewConsoleLogger(c.Log.Service, level), nil
	}

	return logger.NewZerologFileLogger(c.Log.Service, c.Log.Dir, level)
}
