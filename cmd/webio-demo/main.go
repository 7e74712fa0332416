// Command webio-demo serves a small click counter over WebSocket.
//
// In server mode every browser tab gets its own counter. With --designated
// the counter runs on the main goroutine, a browser tab is opened for it,
// and the process exits once the counter finishes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cyberinferno/go-webio/config"
	"github.com/cyberinferno/go-webio/logger"
	"github.com/cyberinferno/go-webio/session"
	"github.com/cyberinferno/go-webio/wsserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		host       string
		port       int
		mode       string
		logLevel   string
		debug      bool
		designated bool
	)

	flagSet := pflag.NewFlagSet("webio-demo", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&host, "host", "", "interface to bind (default: all interfaces)")
	flagSet.IntVarP(&port, "port", "p", 0, "port to bind (default: a free port)")
	flagSet.StringVar(&mode, "mode", "", "session execution model: thread or async")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.BoolVar(&debug, "debug", false, "debug logging and no static asset caching")
	flagSet.BoolVar(&designated, "designated", false, "serve one browser tab for a counter running in this process")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}

	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if flagSet.Changed("host") {
		cfg.Server.Host = host
	}
	if flagSet.Changed("port") {
		cfg.Server.Port = port
	}
	if flagSet.Changed("mode") {
		cfg.Server.Mode = mode
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flagSet.Changed("debug") {
		cfg.Server.Debug = &debug
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := cfg.Logger(cfg.Server.Debug != nil && *cfg.Server.Debug)
	if err != nil {
		return err
	}
	defer log.Close()

	opts, err := wsserver.OptionsFromConfig(cfg.Server)
	if err != nil {
		return err
	}
	opts = append(opts, wsserver.WithLogger(log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if designated {
		return runDesignated(ctx, log, opts)
	}

	return runServer(ctx, opts)
}

func runServer(ctx context.Context, opts []wsserver.Option) error {
	srv, err := wsserver.NewServer(counter, opts...)
	if err != nil {
		return err
	}

	if _, err := srv.Listen(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	return srv.Serve()
}

// runDesignated runs the counter on the calling goroutine, the way a script
// that was not started by a server would.
func runDesignated(ctx context.Context, log logger.Logger, opts []wsserver.Option) error {
	if session.ServerStarted() {
		return errors.New("a server is already running in this process")
	}

	worker := session.Current("main")
	defer worker.Exit()

	o := wsserver.NewOrchestrator(opts...)
	go func() {
		<-ctx.Done()
		o.Stop()
	}()

	io, err := o.Start(ctx, worker)
	if err != nil {
		return err
	}

	if err := counter(io.Context(), io); err != nil && !errors.Is(err, session.ErrSessionClosed) {
		log.Error("counter failed", logger.Field{Key: "error", Value: err.Error()})
	}

	worker.Exit()
	return o.Wait()
}

// counter is the demo task: it counts clicks on "+1" and finishes when
// "done" is clicked. Any other event is echoed back.
func counter(ctx context.Context, io session.IO) error {
	buttons := []session.Message{
		{"command": "button", "id": "inc", "label": "+1"},
		{"command": "button", "id": "done", "label": "done"},
	}
	for _, b := range buttons {
		if err := io.Send(b); err != nil {
			return err
		}
	}

	count := 0
	for {
		ev, err := io.Receive()
		if err != nil {
			return err
		}

		switch {
		case ev["event"] == "click" && ev["id"] == "inc":
			count++
			err = io.Send(session.Message{"command": "output", "count": count})
		case ev["event"] == "click" && ev["id"] == "done":
			return io.Send(session.Message{"command": "output", "text": fmt.Sprintf("final count %d", count)})
		default:
			err = io.Send(session.Message{"command": "output", "echo": ev})
		}
		if err != nil {
			return err
		}
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `webio-demo - click counter served over WebSocket

Usage:
  webio-demo [flags]

Examples:
  # Serve a counter per browser tab on port 8080
  webio-demo --port 8080

  # Open one tab for a counter running in this process
  webio-demo --designated

Flags:
%s`, flagSet.FlagUsages())
}
