// Mcpexec discovers and invokes tools exposed by MCP servers.
//
// Servers are listed in a registry file (see [registry.Load]); the
// application config (see [config.DefaultSearchPaths]) points at it and
// sets timeouts, logging, and the optional metrics and MQTT outputs.
//
// Usage:
//
//	mcpexec tools [server]                      List tools per server
//	mcpexec schemas [server]                    Show tool input schemas
//	mcpexec call <server> <tool> [json-args]    Invoke a tool
//	mcpexec validate <server> <tool> [json]     Check arguments against the schema
//	mcpexec history [-n N] [-summary] [server]  Show recorded calls
//	mcpexec watch                               Monitor server health
//	mcpexec version                             Print build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/mcpexec/internal/buildinfo"
	"github.com/nugget/mcpexec/internal/calllog"
	"github.com/nugget/mcpexec/internal/config"
	"github.com/nugget/mcpexec/internal/executor"
	"github.com/nugget/mcpexec/internal/mcp"
	"github.com/nugget/mcpexec/internal/mqtt"
	"github.com/nugget/mcpexec/internal/registry"
)

// main only wires the OS environment into run so that the whole
// command lifecycle can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath  string
	serversPath string
	output      string // "text" or "json"
}

// run is the real entry point. Command output goes to stdout and logs
// to stderr. Arguments are parsed by hand to keep run free of the flag
// package's global state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, arg)
		case arg == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "-config="):
			opts.configPath = strings.TrimPrefix(arg, "-config=")
		case arg == "-servers" && i+1 < len(args):
			opts.serversPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "-servers="):
			opts.serversPath = strings.TrimPrefix(arg, "-servers=")
		case (arg == "-o" || arg == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(arg, "-o="):
			opts.output = strings.TrimPrefix(arg, "-o=")
		case strings.HasPrefix(arg, "--output="):
			opts.output = strings.TrimPrefix(arg, "--output=")
		case arg == "-h" || arg == "-help" || arg == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(arg, "-"):
			command = arg
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	switch command {
	case "version":
		return runVersion(stdout, opts.output)
	case "tools":
		return withApp(ctx, stderr, opts, command, func(a *app) error {
			return runTools(ctx, stdout, a, cmdArgs)
		})
	case "schemas":
		return withApp(ctx, stderr, opts, command, func(a *app) error {
			return runSchemas(ctx, stdout, a, cmdArgs)
		})
	case "call":
		if len(cmdArgs) < 2 {
			return errors.New("usage: mcpexec call <server> <tool> [json-args]")
		}
		return withApp(ctx, stderr, opts, command, func(a *app) error {
			return runCall(ctx, stdout, a, cmdArgs)
		})
	case "validate":
		if len(cmdArgs) < 2 {
			return errors.New("usage: mcpexec validate <server> <tool> [json-args]")
		}
		return withApp(ctx, stderr, opts, command, func(a *app) error {
			return runValidate(ctx, stdout, a, cmdArgs)
		})
	case "history":
		return withApp(ctx, stderr, opts, command, func(a *app) error {
			return runHistory(ctx, stdout, a, cmdArgs)
		})
	case "watch":
		return withApp(ctx, stderr, opts, command, func(a *app) error {
			return runWatch(ctx, stdout, a)
		})
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, output string) error {
	info := buildinfo.Info()
	if output == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpexec - invoke tools on MCP servers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpexec [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  tools [server]                      List tools per server")
	fmt.Fprintln(w, "  schemas [server]                    Show tool input schemas")
	fmt.Fprintln(w, "  call <server> <tool> [json-args]    Invoke a tool")
	fmt.Fprintln(w, "  validate <server> <tool> [json]     Check arguments against the tool schema")
	fmt.Fprintln(w, "  history [-n N] [-summary] [server]  Show recorded calls")
	fmt.Fprintln(w, "  watch                               Monitor server health until interrupted")
	fmt.Fprintln(w, "  version                             Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -servers <path>   Path to the MCP server registry (overrides config)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// callHistoryRetention bounds how long recorded calls are kept.
const callHistoryRetention = 90 * 24 * time.Hour

// app bundles what every tool command needs.
type app struct {
	cfg      *config.Config
	output   string
	logger   *slog.Logger
	registry *registry.Registry
	exec     *executor.Executor
	calls    *calllog.Store
	metrics  *prometheus.Registry

	// publisher is non-nil when MQTT is configured and the command
	// produces events worth publishing (call, watch).
	publisher *mqtt.Publisher
}

// withApp loads config and registry, builds the executor, runs fn, and
// shuts everything down afterwards.
func withApp(ctx context.Context, stderr io.Writer, opts options, command string, fn func(*app) error) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.serversPath != "" {
		cfg.ServersFile = opts.serversPath
	}

	levelName := cfg.LogLevel
	if levelName == "" && command != "watch" {
		levelName = "warn"
	}
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath, "servers_file", cfg.ServersFile)

	reg, err := registry.Load(cfg.ServersFile)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	calls, err := calllog.Open(filepath.Join(cfg.DataDir, "calls.db"))
	if err != nil {
		return fmt.Errorf("open call log: %w", err)
	}
	defer calls.Close()
	if n, err := calls.Prune(ctx, time.Now().Add(-callHistoryRetention)); err != nil {
		logger.Warn("call log prune failed", "error", err)
	} else if n > 0 {
		logger.Debug("pruned call log", "removed", n)
	}

	promReg := prometheus.NewRegistry()
	clientName := cfg.Client.Name
	if clientName == "" {
		clientName = buildinfo.ClientName
	}

	a := &app{
		cfg:      cfg,
		output:   opts.output,
		logger:   logger,
		registry: reg,
		calls:    calls,
		metrics:  promReg,
	}
	execOpts := []executor.Option{
		executor.WithLogger(logger),
		executor.WithMetrics(executor.NewMetrics(promReg)),
		executor.WithRecorder(calls),
	}

	if cfg.MQTT.Configured() && (command == "call" || command == "watch") {
		pub, err := startPublisher(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt disconnect", "error", err)
			}
		}()
		a.publisher = pub
		execOpts = append(execOpts, executor.WithRecorder(executor.RecorderFunc(pub.PublishCall)))
	}

	a.exec = executor.New(reg, append(execOpts,
		executor.WithTransportOptions(mcp.Options{
			ClientInfo:  mcp.ClientInfo{Name: clientName, Version: buildinfo.Version},
			CallTimeout: cfg.Timeouts.Call(),
			StopGrace:   cfg.Timeouts.StopGrace(),
			Headers:     map[string]string{"User-Agent": buildinfo.UserAgent()},
		}),
	)...)
	defer func() {
		if err := a.exec.Shutdown(); err != nil {
			logger.Warn("executor shutdown", "error", err)
		}
	}()

	return fn(a)
}

// startPublisher connects the MQTT status publisher.
func startPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mqtt.Publisher, error) {
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	pub := mqtt.New(cfg.MQTT, instanceID, logger.With("component", "mqtt"))
	if err := pub.Start(ctx); err != nil {
		return nil, err
	}
	return pub, nil
}

// newLogger creates a text or json slog logger writing to w. Any format
// other than "json" means text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the config file. Without an explicit
// path, a missing file falls back to defaults.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
