// Command mcpchat is an interactive chat client that lets a language
// model call the tools of one MCP server.
//
// Usage:
//
//	mcpchat [flags] <server> [server-args...]
//	mcpchat init [dir]
//	mcpchat version
//
// The server is a script path (.py, .js, .mjs, or an executable) run
// over stdio, an http(s):// streamable HTTP endpoint, or a ws(s)://
// WebSocket endpoint. A server script literally named init or version
// must be given with a path, e.g. ./init.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/nugget/mcpchat/internal/agent"
	"github.com/nugget/mcpchat/internal/buildinfo"
	"github.com/nugget/mcpchat/internal/config"
	"github.com/nugget/mcpchat/internal/connwatch"
	"github.com/nugget/mcpchat/internal/lifecycle"
	"github.com/nugget/mcpchat/internal/llm"
	"github.com/nugget/mcpchat/internal/mcp"
	"github.com/nugget/mcpchat/internal/shell"
	"github.com/nugget/mcpchat/internal/tools"
	"github.com/nugget/mcpchat/internal/usage"
)

// main only wires the OS environment into [run], so the whole
// startup-to-teardown sequence can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

var errHelp = errors.New("help requested")

// options are the parsed command line.
type options struct {
	configPath    string
	envFile       string
	logLevel      string
	maxToolRounds int
	command       string
	target        string
	serverArgs    []string
}

// parseArgs parses flags by hand, like the rest of our commands: the
// flag package's global FlagSet gets in the way of calling run from
// parallel tests. Everything after the server target belongs to the
// server, including arguments that look like flags.
func parseArgs(args []string) (*options, error) {
	opts := &options{}

	value := func(i *int, name string) (string, error) {
		arg := args[*i]
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("flag %s needs a value", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if opts.target != "" {
			opts.serverArgs = append(opts.serverArgs, arg)
			continue
		}

		flagName, _, _ := strings.Cut(arg, "=")
		var err error
		switch flagName {
		case "-h", "-help", "--help":
			return nil, errHelp
		case "-config", "--config":
			opts.configPath, err = value(&i, flagName)
		case "-env-file", "--env-file":
			opts.envFile, err = value(&i, flagName)
		case "-log-level", "--log-level":
			opts.logLevel, err = value(&i, flagName)
		case "-max-tool-rounds", "--max-tool-rounds":
			var v string
			if v, err = value(&i, flagName); err == nil {
				opts.maxToolRounds, err = strconv.Atoi(v)
				if err == nil && opts.maxToolRounds < 1 {
					err = fmt.Errorf("-max-tool-rounds must be at least 1")
				} else if err != nil {
					err = fmt.Errorf("-max-tool-rounds: %w", err)
				}
			}
		default:
			if strings.HasPrefix(arg, "-") {
				return nil, fmt.Errorf("unknown flag: %s", arg)
			}
			if (arg == "version" || arg == "init") && opts.command == "" {
				opts.command = arg
				continue
			}
			opts.target = arg
		}
		if err != nil {
			return nil, err
		}
	}
	return opts, nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: mcpchat [flags] <server> [server-args...]
       mcpchat init [dir]
       mcpchat version

<server> is one of:
  path/to/server.py       run with python over stdio
  path/to/server.js|.mjs  run with node over stdio
  path/to/server          run directly over stdio
  http(s)://host/mcp      streamable HTTP
  ws(s)://host/mcp        WebSocket

Flags:
  -config path          config file (default: ./mcpchat.yaml, ~/.config/mcpchat/config.yaml, /etc/mcpchat/config.yaml)
  -env-file path        .env file to load (default: ./.env if present)
  -log-level level      trace, debug, info, warn or error
  -max-tool-rounds n    tool calls allowed per query (default 1)

Environment: OPENAI_API_KEY, BASE_URL and MODEL configure the model
when no config file sets them.
`)
}

func printVersion(w io.Writer) {
	info := buildinfo.Info()
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range keys {
		fmt.Fprintf(w, "  %-11s %s\n", k+":", info[k])
	}
}

// run is the real entry point. It returns nil on a clean exit (quit,
// end of input, interrupt) and an error for everything else. Every
// acquired resource is released before it returns.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	opts, err := parseArgs(args)
	if errors.Is(err, errHelp) {
		printUsage(stdout)
		return nil
	}
	if err != nil {
		printUsage(stderr)
		return err
	}
	switch opts.command {
	case "version":
		printVersion(stdout)
		return nil
	case "init":
		dir := opts.target
		if dir == "" {
			dir = "."
		}
		return runInit(stdout, dir)
	}
	if opts.target == "" {
		printUsage(stderr)
		return errors.New("missing server argument: give the path of a server script or an http(s)/ws(s) URL")
	}

	// Until the config is read, only warnings are worth printing.
	bootLogger := config.NewLogger(stderr, slog.LevelWarn, "text")
	if err := config.LoadEnv(ctx, opts.envFile, opts.envFile != "", bootLogger); err != nil {
		return err
	}

	cfg, err := loadConfig(opts.configPath, bootLogger)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.maxToolRounds > 0 {
		cfg.Model.MaxToolRounds = opts.maxToolRounds
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	logger.Debug("starting", "build", buildinfo.String())

	stack := lifecycle.New(logger)
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Warn("teardown finished with errors", "error", err)
		}
	}()

	// --- Tool server ---
	ep, err := mcp.ParseEndpoint(opts.target, opts.serverArgs)
	if err != nil {
		return &mcp.ConnectError{Endpoint: opts.target, Err: err}
	}
	transport, err := mcp.NewTransport(ep, mcp.TransportOptions{
		Python:  cfg.MCP.Python,
		Node:    cfg.MCP.Node,
		Env:     cfg.MCP.Env,
		Headers: cfg.MCP.Headers,
		Logger:  logger,
	})
	if err != nil {
		return &mcp.ConnectError{Endpoint: opts.target, Err: err}
	}
	session := mcp.NewSession(transport, mcp.SessionConfig{Name: ep.Name(), Logger: logger})
	// Registered before Open so a half-finished handshake is released too.
	stack.PushCloser("mcp session", session)

	initCtx, initCancel := context.WithTimeout(ctx, cfg.MCP.InitTimeout())
	err = session.Open(initCtx)
	initCancel()
	if err != nil {
		return err
	}

	catalog := tools.NewCatalog(logger)
	listCtx, listCancel := context.WithTimeout(ctx, cfg.MCP.InitTimeout())
	err = catalog.Refresh(listCtx, session)
	listCancel()
	if err != nil {
		if session.Broken() {
			return &mcp.ConnectError{Endpoint: opts.target, Err: err}
		}
		logger.Warn("could not list tools, continuing without any", "error", err)
	}

	info := session.ServerInfo()
	logger.Info("MCP server connected",
		"server", info.Name,
		"server_version", info.Version,
		"tools", catalog.Len(),
	)

	// --- Model and loop ---
	client, err := llm.New(cfg.Model, logger)
	if err != nil {
		return err
	}

	loop := agent.NewLoop(agent.Config{
		Model:         cfg.Model.Name,
		Provider:      cfg.Model.Provider,
		Server:        ep.Name(),
		SystemPrompt:  cfg.Model.SystemPrompt,
		MaxToolRounds: cfg.Model.MaxToolRounds,
		ModelTimeout:  cfg.Model.Timeout(),
		ToolTimeout:   cfg.MCP.CallTimeout(),
		Pricing:       cfg.Usage.Pricing,
	}, client, catalog, session, logger)

	sh := shell.New(shell.Config{
		Prompt:       cfg.Shell.Prompt,
		QueryTimeout: cfg.Shell.QueryTimeout(),
	}, loop, stdin, stdout, logger)
	sh.SetCatalog(catalog, session)
	sh.SetHealth(session)

	if cfg.Usage.Enabled {
		store, err := usage.NewStore(cfg.Usage.DBPath)
		if err != nil {
			logger.Warn("usage tracking disabled", "path", cfg.Usage.DBPath, "error", err)
		} else {
			stack.PushCloser("usage store", store)
			loop.SetUsageRecorder(store)
			sh.SetUsage(store)
		}
	}

	if interval := cfg.Shell.HealthInterval(); interval > 0 {
		sched := connwatch.DefaultSchedule()
		sched.Interval = interval

		watchers := &connwatch.Group{}
		stack.PushCloser("health checks", watchers)
		watchers.Watch(ctx, connwatch.Config{Name: "mcp", Probe: session.Ping, Schedule: sched, Logger: logger})
		watchers.Watch(ctx, connwatch.Config{Name: "model", Probe: client.Ping, Schedule: sched, Logger: logger})
		sh.SetStatus(watchers)
	}

	fmt.Fprintf(stdout, "Connected to %s with tools: %s\n", serverLabel(info, ep), toolNames(catalog))
	fmt.Fprintf(stdout, "Model: %s (%s)\n", cfg.Model.Name, cfg.Model.Provider)

	err = sh.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// loadConfig reads the config file, or falls back to defaults plus
// environment variables when there is none.
func loadConfig(explicit string, logger *slog.Logger) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		logger.Debug("no config file, using defaults and environment")
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func serverLabel(info mcp.ServerInfo, ep mcp.Endpoint) string {
	if info.Name == "" {
		return ep.Name()
	}
	if info.Version == "" {
		return info.Name
	}
	return info.Name + " " + info.Version
}

func toolNames(c *tools.Catalog) string {
	list := c.List()
	if len(list) == 0 {
		return "(none)"
	}
	names := make([]string, len(list))
	for i, d := range list {
		names[i] = d.Name
	}
	return strings.Join(names, ", ")
}
