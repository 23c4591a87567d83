package mcp

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// EndpointKind selects the transport an endpoint is reached over.
type EndpointKind int

const (
	EndpointStdio EndpointKind = iota
	EndpointHTTP
	EndpointWebSocket
)

func (k EndpointKind) String() string {
	switch k {
	case EndpointStdio:
		return "stdio"
	case EndpointHTTP:
		return "http"
	case EndpointWebSocket:
		return "websocket"
	default:
		return fmt.Sprintf("EndpointKind(%d)", int(k))
	}
}

// Script runtimes selected by file extension.
const (
	RuntimeNone   = ""
	RuntimePython = "python"
	RuntimeNode   = "node"
)

// Endpoint is a parsed tool-server target.
type Endpoint struct {
	Kind EndpointKind

	// Target is the argument as given on the command line.
	Target string

	// Runtime is the interpreter family for stdio scripts; empty means
	// the script is executed directly.
	Runtime string

	// Args are extra arguments passed to the server process.
	Args []string
}

// Name is a short label for logs: the script base name or the URL host.
func (e Endpoint) Name() string {
	if e.Kind == EndpointStdio {
		return filepath.Base(e.Target)
	}
	if i := strings.Index(e.Target, "://"); i >= 0 {
		host := e.Target[i+3:]
		if j := strings.IndexAny(host, "/?#"); j >= 0 {
			host = host[:j]
		}
		return host
	}
	return e.Target
}

// ParseEndpoint classifies a server target. URLs select HTTP or
// WebSocket by scheme. Anything else is a local script whose extension
// picks the runtime: .py runs under python, .js and .mjs under node,
// and a file with no extension or .exe runs directly. The script must
// exist.
func ParseEndpoint(target string, args []string) (Endpoint, error) {
	if target == "" {
		return Endpoint{}, fmt.Errorf("%w: empty server target", ErrUnsupportedEndpoint)
	}

	if scheme, _, ok := strings.Cut(target, "://"); ok {
		ep := Endpoint{Target: target, Args: args}
		switch strings.ToLower(scheme) {
		case "http", "https":
			ep.Kind = EndpointHTTP
		case "ws", "wss":
			ep.Kind = EndpointWebSocket
		default:
			return Endpoint{}, fmt.Errorf("%w: URL scheme %q (valid: http, https, ws, wss)", ErrUnsupportedEndpoint, scheme)
		}
		if len(args) > 0 {
			return Endpoint{}, fmt.Errorf("%w: server arguments are only valid for local scripts", ErrUnsupportedEndpoint)
		}
		return ep, nil
	}

	ep := Endpoint{Kind: EndpointStdio, Target: target, Args: args}
	switch ext := strings.ToLower(filepath.Ext(target)); ext {
	case ".py":
		ep.Runtime = RuntimePython
	case ".js", ".mjs":
		ep.Runtime = RuntimeNode
	case "", ".exe":
		ep.Runtime = RuntimeNone
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported script type %q", ErrUnsupportedEndpoint, ext)
	}

	info, err := os.Stat(target)
	if err != nil {
		return Endpoint{}, fmt.Errorf("server script %s: %w", target, err)
	}
	if info.IsDir() {
		return Endpoint{}, fmt.Errorf("server script %s is a directory", target)
	}
	return ep, nil
}

// TransportOptions carries the settings NewTransport needs beyond the
// endpoint itself.
type TransportOptions struct {
	// Python and Node are the interpreters for .py and .js scripts.
	// Empty values fall back to "python" and "node".
	Python string
	Node   string

	// Env is appended to the environment of stdio subprocesses.
	Env []string

	// Headers are sent on HTTP requests and the WebSocket handshake.
	Headers map[string]string

	Logger *slog.Logger
}

// NewTransport builds the transport for ep. It does not start it.
func NewTransport(ep Endpoint, opts TransportOptions) (Transport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", ep.Name(), "transport", ep.Kind.String())

	switch ep.Kind {
	case EndpointHTTP:
		return NewHTTPTransport(HTTPConfig{
			URL:     ep.Target,
			Headers: opts.Headers,
			Logger:  logger,
		}), nil
	case EndpointWebSocket:
		return NewWebSocketTransport(WebSocketConfig{
			URL:     ep.Target,
			Headers: opts.Headers,
			Logger:  logger,
		}), nil
	case EndpointStdio:
		command, args := ep.command(opts)
		return NewStdioTransport(StdioConfig{
			Command: command,
			Args:    args,
			Env:     opts.Env,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEndpoint, ep.Kind)
	}
}

// command resolves the executable and arguments for a stdio endpoint.
func (e Endpoint) command(opts TransportOptions) (string, []string) {
	switch e.Runtime {
	case RuntimePython:
		interp := opts.Python
		if interp == "" {
			interp = "python"
		}
		return interp, append([]string{e.Target}, e.Args...)
	case RuntimeNode:
		interp := opts.Node
		if interp == "" {
			interp = "node"
		}
		return interp, append([]string{e.Target}, e.Args...)
	default:
		path := e.Target
		// exec.Command only searches PATH for bare names; a script in
		// the working directory must be addressed explicitly.
		if !strings.ContainsRune(path, filepath.Separator) {
			path = "." + string(filepath.Separator) + path
		}
		return path, e.Args
	}
}
