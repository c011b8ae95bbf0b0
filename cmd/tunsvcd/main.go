// tunsvcd is the tunnel lifecycle daemon.
//
// It owns at most one OS tunnel at a time and exposes its lifecycle to host
// shells over a JSON-RPC control socket.
//
// Usage:
//
//	tunsvcd [flags]                 Run the daemon
//	tunsvcd init                    Write a default configuration file
//	tunsvcd rpc <method> [args]     Call the running daemon
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.tunsvc/config.toml")
//	-data-dir string
//	    Data directory (overrides config)
//	-socket string
//	    Control socket path (overrides config)
//	-metrics string
//	    Serve /metrics on this address (overrides config)
//	-engine
//	    Attach an in-process packet counter to every tunnel
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-i2p/tunsvc/lib/core"
	"github.com/go-i2p/tunsvc/lib/engine"
	"github.com/go-i2p/tunsvc/lib/lifecycle"
	"github.com/go-i2p/tunsvc/lib/platform"
	"github.com/go-i2p/tunsvc/version"
)

// options holds the parsed command line.
type options struct {
	configPath  string
	dataDir     string
	socket      string
	metrics     string
	engine      bool
	verbose     bool
	showVersion bool
	args        []string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	opts, err := parseFlags(argv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if opts.showVersion {
		data, _ := json.MarshalIndent(version.Get(), "", "  ")
		fmt.Println(string(data))
		return 0
	}

	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	if len(opts.args) > 0 {
		switch opts.args[0] {
		case "rpc":
			return handleRPC(opts.args[1:], cfg)
		case "init":
			return handleInit(opts.configPath, cfg, logger)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", opts.args[0])
			return 2
		}
	}

	return runDaemon(cfg, opts, logger)
}

func parseFlags(argv []string) (*options, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	fs := flag.NewFlagSet("tunsvcd", flag.ContinueOnError)
	opts := &options{}
	fs.StringVar(&opts.configPath, "config", filepath.Join(homeDir, ".tunsvc", "config.toml"), "Path to configuration file")
	fs.StringVar(&opts.dataDir, "data-dir", "", "Data directory (overrides config)")
	fs.StringVar(&opts.socket, "socket", "", "Control socket path (overrides config)")
	fs.StringVar(&opts.metrics, "metrics", "", "Serve /metrics on this address (overrides config)")
	fs.BoolVar(&opts.engine, "engine", false, "Attach an in-process packet counter to every tunnel")
	fs.BoolVar(&opts.verbose, "v", false, "Enable verbose logging")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "tunsvcd - tunnel lifecycle daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  tunsvcd [flags]              Run the daemon\n")
		fmt.Fprintf(os.Stderr, "  tunsvcd init                 Write a default configuration file\n")
		fmt.Fprintf(os.Stderr, "  tunsvcd rpc <method> [args]  Call the running daemon\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	opts.args = fs.Args()
	return opts, nil
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(opts *options) (*core.Config, error) {
	cfg, err := core.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dataDir != "" {
		cfg.Service.DataDir = opts.dataDir
	}
	if opts.socket != "" {
		cfg.RPC.Socket = opts.socket
	}
	if opts.metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = opts.metrics
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func handleInit(path string, cfg *core.Config, logger *slog.Logger) int {
	if _, err := os.Stat(path); err == nil {
		logger.Error("config file already exists", "path", path)
		return 1
	}
	if err := core.SaveConfig(cfg, path); err != nil {
		logger.Error("failed to write config", "path", path, "error", err)
		return 1
	}
	logger.Info("wrote config", "path", path)
	return 0
}

func runDaemon(cfg *core.Config, opts *options, logger *slog.Logger) int {
	if err := platform.Prepare(); err != nil {
		logger.Warn("tunnels cannot be created yet", "error", err)
	}

	facility, err := platform.New(cfg.Linux)
	if err != nil {
		logger.Error("failed to open tunnel facility", "error", err)
		return 1
	}
	defer facility.Close()

	events := lifecycle.NewChannelSink(16)
	defer events.Close()
	sinks := lifecycle.MultiSink{events}

	var eng *engine.Engine
	if opts.engine {
		eng = engine.New(nil)
		sinks = append(sinks, eng.Sink())
	}

	svc, err := core.NewService(cfg, facility, core.ServiceOptions{
		Sink:     sinks,
		RemoteFD: platform.DupRemoteFD,
		Prepare:  platform.Prepare,
		Platform: platform.Name(),
	})
	if err != nil {
		logger.Error("failed to create service", "error", err)
		return 1
	}
	svc.SetOnError(func(err error, message string) {
		logger.Error(message, "error", err)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if err := svc.Start(gctx); err != nil {
		logger.Error("failed to start service", "error", err)
		return 1
	}

	logger.Info("tunsvcd started",
		"name", cfg.Service.Name,
		"version", version.Full(),
		"platform", platform.Name(),
	)
	if srv := svc.RPCServer(); srv != nil {
		logger.Info("control socket ready", "socket", srv.UnixSocketPath(), "tcp", srv.TCPAddress())
	}
	if addr := svc.MetricsAddr(); addr != "" {
		logger.Info("metrics endpoint ready", "address", addr)
	}

	g.Go(func() error {
		return relayEvents(gctx, events, logger)
	})

	g.Go(func() error {
		select {
		case <-svc.Done():
			if gctx.Err() != nil {
				return nil
			}
			return errors.New("service stopped unexpectedly")
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()

	timeout := cfg.Service.ShutdownTimeout
	if timeout <= 0 {
		timeout = core.DefaultShutdownTimeout
	}
	select {
	case <-svc.Done():
	case <-time.After(timeout):
		logger.Error("shutdown timed out")
		return 1
	}

	if eng != nil {
		eng.Detach()
	}

	if err != nil {
		logger.Error("tunsvcd stopped", "error", err)
		return 1
	}
	logger.Info("tunsvcd stopped")
	return 0
}

// relayEvents writes lifecycle events to the log until ctx ends.
func relayEvents(ctx context.Context, events *lifecycle.ChannelSink, logger *slog.Logger) error {
	for {
		select {
		case ev, ok := <-events.Events():
			if !ok {
				return nil
			}
			attrs := []any{"event", ev.Name}
			for k, v := range ev.Data {
				attrs = append(attrs, k, v)
			}
			if ev.Reason != "" {
				attrs = append(attrs, "reason", string(ev.Reason))
			}
			logger.Info("lifecycle event", attrs...)
		case <-ctx.Done():
			return nil
		}
	}
}
