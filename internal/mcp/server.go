package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ToolHandler executes a tool call on the server side. A returned error
// is reported to the client as an isError result, not a protocol error.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// Server is a minimal MCP server speaking newline-delimited JSON-RPC,
// enough to expose a few tools to a stdio client.
type Server struct {
	info   ServerInfo
	logger *slog.Logger

	mu       sync.RWMutex
	tools    []ToolDefinition
	handlers map[string]ToolHandler
}

// NewServer creates a server reporting the given identity.
func NewServer(name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		info:     ServerInfo{Name: name, Version: version},
		logger:   logger,
		handlers: make(map[string]ToolHandler),
	}
}

// AddTool registers a tool. Registering a name twice replaces the
// handler and keeps the original list position.
func (s *Server) AddTool(def ToolDefinition, h ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def.InputSchema == nil {
		def.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if _, exists := s.handlers[def.Name]; exists {
		for i := range s.tools {
			if s.tools[i].Name == def.Name {
				s.tools[i] = def
			}
		}
	} else {
		s.tools = append(s.tools, def)
	}
	s.handlers[def.Name] = h
}

// serverRequest is an incoming message. ID is kept raw so string and
// numeric IDs are echoed back unchanged; it is absent for notifications.
type serverRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type serverResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Serve reads requests from r and writes responses to w, one JSON
// message per line, until r reaches EOF or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxResponseSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	bw := bufio.NewWriter(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if len(line) == 0 {
				continue
			}
			out := s.HandleMessage(ctx, line)
			if out == nil {
				continue
			}
			if _, err := bw.Write(append(out, '\n')); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
			if err := bw.Flush(); err != nil {
				return fmt.Errorf("flush response: %w", err)
			}
		}
	}
}

// HandleMessage processes one JSON-RPC message and returns the encoded
// response, or nil for notifications.
func (s *Server) HandleMessage(ctx context.Context, msg []byte) []byte {
	var req serverRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return s.encode(serverResponse{
			ID:    json.RawMessage("null"),
			Error: &RPCError{Code: CodeParseError, Message: "parse error"},
		})
	}

	if len(req.ID) == 0 {
		s.logger.Debug("MCP notification", "method", req.Method)
		return nil
	}

	if req.Method == "" {
		return s.encode(serverResponse{
			ID:    req.ID,
			Error: &RPCError{Code: CodeInvalidRequest, Message: "missing method"},
		})
	}

	result, rpcErr := s.dispatch(ctx, req)
	return s.encode(serverResponse{ID: req.ID, Result: result, Error: rpcErr})
}

func (s *Server) dispatch(ctx context.Context, req serverRequest) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      s.info,
		}, nil

	case "ping":
		return map[string]any{}, nil

	case "tools/list":
		s.mu.RLock()
		tools := make([]ToolDefinition, len(s.tools))
		copy(tools, s.tools)
		s.mu.RUnlock()
		return toolsListResult{Tools: tools}, nil

	case "tools/call":
		return s.callTool(ctx, req.Params)

	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var params callToolParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid tools/call params: " + err.Error()}
	}

	s.mu.RLock()
	h, ok := s.handlers[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "unknown tool: " + params.Name}
	}

	s.logger.Info("tool call", "tool", params.Name)

	text, err := h(ctx, params.Arguments)
	if err != nil {
		s.logger.Warn("tool call failed", "tool", params.Name, "error", err)
		return callToolResult{
			Content: []ContentBlock{{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return callToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}, nil
}

func (s *Server) encode(resp serverResponse) []byte {
	resp.JSONRPC = jsonrpcVersion
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode MCP response", "error", err)
		fallback, _ := json.Marshal(serverResponse{
			JSONRPC: jsonrpcVersion,
			ID:      resp.ID,
			Error:   &RPCError{Code: CodeInternalError, Message: "internal error"},
		})
		return fallback
	}
	return data
}
