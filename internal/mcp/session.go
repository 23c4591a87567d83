package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/mcpchat/internal/buildinfo"
)

// ProtocolVersion is the MCP protocol version this client speaks.
const ProtocolVersion = "2024-11-05"

// maxToolPages bounds tools/list pagination against a server that
// keeps returning cursors.
const maxToolPages = 100

// State is the lifecycle state of a [Session].
type State int

const (
	StateNew State = iota
	StateOpen
	StateBroken
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOpen:
		return "open"
	case StateBroken:
		return "broken"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ToolDefinition describes a tool exposed by an MCP server.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ServerInfo identifies the server, as reported during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ContentBlock is a single content item in a tool call result.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Data     string          `json:"data,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ServerInfo     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

type toolsListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// SessionConfig configures a [Session].
type SessionConfig struct {
	// Name labels the server in logs and errors.
	Name string

	Logger *slog.Logger
}

// Session is one logical connection to one MCP server. It moves from
// StateNew to StateOpen on a successful [Session.Open], to StateBroken
// if its transport fails mid-session, and to StateClosed on Close.
// Requests are safe for concurrent use; the transport serializes them.
type Session struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu           sync.RWMutex
	state        State
	serverInfo   ServerInfo
	capabilities map[string]any
	instructions string

	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps a transport. Nothing is started until Open.
func NewSession(transport Transport, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		name:      cfg.Name,
		transport: transport,
		logger:    logger.With("mcp_server", cfg.Name),
	}
}

// OpenEndpoint parses target, builds its transport and opens a session.
// Every failure is a [*ConnectError]; the transport is released before
// returning.
func OpenEndpoint(ctx context.Context, ep Endpoint, opts TransportOptions) (*Session, error) {
	tr, err := NewTransport(ep, opts)
	if err != nil {
		return nil, &ConnectError{Endpoint: ep.Target, Err: err}
	}
	s := NewSession(tr, SessionConfig{Name: ep.Name(), Logger: opts.Logger})
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the server label.
func (s *Session) Name() string {
	return s.name
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Broken reports whether the transport failed mid-session.
func (s *Session) Broken() bool {
	return s.State() == StateBroken
}

// ServerInfo returns the server identity reported during initialize.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// Capabilities returns the server capabilities from initialize.
func (s *Session) Capabilities() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

// Instructions returns the optional usage hint the server sent.
func (s *Session) Instructions() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instructions
}

// Open starts the transport and performs the initialize handshake
// followed by notifications/initialized. Failures are reported as
// [*ConnectError] and close the session, releasing the transport.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateNew {
		return &ConnectError{Endpoint: s.name, Err: fmt.Errorf("session is %s", state)}
	}

	if err := s.handshake(ctx); err != nil {
		if cerr := s.Close(); cerr != nil {
			s.logger.Debug("release after failed open", "error", cerr)
		}
		return &ConnectError{Endpoint: s.name, Err: err}
	}
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	if err := s.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: ServerInfo{
			Name:    "mcpchat",
			Version: buildinfo.Version,
		},
	}

	result, err := s.request(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var initRes initializeResult
	if err := json.Unmarshal(result, &initRes); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}

	if initRes.ProtocolVersion != "" && initRes.ProtocolVersion != ProtocolVersion {
		s.logger.Warn("MCP server negotiated a different protocol version",
			"requested", ProtocolVersion,
			"server", initRes.ProtocolVersion,
		)
	}

	if err := s.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	s.mu.Lock()
	if s.state != StateNew {
		// Closed concurrently while the handshake ran.
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateOpen
	s.serverInfo = initRes.ServerInfo
	s.capabilities = initRes.Capabilities
	s.instructions = initRes.Instructions
	s.mu.Unlock()

	s.logger.Info("MCP session open",
		"server_name", initRes.ServerInfo.Name,
		"server_version", initRes.ServerInfo.Version,
		"protocol", initRes.ProtocolVersion,
	)
	return nil
}

// checkOpen returns the wrong-state error for the current state, or nil.
func (s *Session) checkOpen() error {
	switch s.State() {
	case StateOpen:
		return nil
	case StateNew:
		return ErrSessionNotOpen
	default:
		return ErrSessionClosed
	}
}

// request sends one JSON-RPC request and returns its raw result. An
// RPC-level error is returned as *RPCError. A transport failure that
// leaves the transport closed marks the session broken.
func (s *Session) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	resp, err := s.transport.Send(ctx, NewRequest(id, method, params))
	if err != nil {
		s.markBrokenIfDead(err)
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (s *Session) markBrokenIfDead(err error) {
	cr, ok := s.transport.(closedReporter)
	if !ok || !cr.Closed() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen {
		s.state = StateBroken
		s.logger.Warn("MCP session broken", "error", err)
	}
}

// ListTools returns every tool the server exposes, following
// nextCursor pagination. It does not cache.
func (s *Session) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := s.checkOpen(); err != nil {
		return nil, &ProtocolError{Method: "tools/list", Err: err}
	}

	var (
		all    []ToolDefinition
		cursor string
		seen   = map[string]bool{}
	)
	for page := 0; ; page++ {
		if page >= maxToolPages {
			return nil, &ProtocolError{Method: "tools/list", Err: fmt.Errorf("more than %d pages", maxToolPages)}
		}

		var params any
		if cursor != "" {
			params = toolsListParams{Cursor: cursor}
		}
		result, err := s.request(ctx, "tools/list", params)
		if err != nil {
			return nil, &ProtocolError{Method: "tools/list", Err: err}
		}

		var list toolsListResult
		if err := json.Unmarshal(result, &list); err != nil {
			return nil, &ProtocolError{Method: "tools/list", Err: fmt.Errorf("parse result: %w", err)}
		}
		all = append(all, list.Tools...)

		if list.NextCursor == "" {
			break
		}
		if seen[list.NextCursor] {
			return nil, &ProtocolError{Method: "tools/list", Err: fmt.Errorf("cursor %q repeated", list.NextCursor)}
		}
		seen[list.NextCursor] = true
		cursor = list.NextCursor
	}

	s.logger.Debug("listed MCP tools", "count", len(all))
	return all, nil
}

// CallTool invokes a tool and returns the text of its content blocks.
// A JSON-RPC error or an isError result is a [*ToolError]; the session
// stays usable. A transport failure is a [*ProtocolError].
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", &ProtocolError{Method: "tools/call", Err: err}
	}
	if args == nil {
		args = map[string]any{}
	}

	s.logger.Debug("calling MCP tool", "tool", name)

	result, err := s.request(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return "", &ToolError{Tool: name, Code: rpcErr.Code, Message: rpcErr.Message}
		}
		return "", &ProtocolError{Method: "tools/call", Err: err}
	}

	var call callToolResult
	if err := json.Unmarshal(result, &call); err != nil {
		return "", &ProtocolError{Method: "tools/call", Err: fmt.Errorf("parse result: %w", err)}
	}

	text := extractText(call.Content)
	if call.IsError {
		return "", &ToolError{Tool: name, Message: text}
	}
	return text, nil
}

// Ping checks that the server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return &ProtocolError{Method: "ping", Err: err}
	}
	if _, err := s.request(ctx, "ping", nil); err != nil {
		return &ProtocolError{Method: "ping", Err: err}
	}
	return nil
}

// Close releases the transport. It is safe to call more than once and
// on a session that never opened.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = StateClosed
		s.mu.Unlock()

		s.closeErr = s.transport.Close()
		s.logger.Debug("MCP session closed", "previous_state", prev.String())
	})
	return s.closeErr
}

// extractText joins the content blocks of a tool result. Non-text
// blocks are shown as a bracketed type marker.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, "["+b.Type+"]")
		}
	}
	return strings.Join(parts, "\n")
}
