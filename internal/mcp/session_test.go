package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

// mockTransport is a test double for the Transport interface.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]*Response // method -> canned response
	sendHook  func(req *Request) (*Response, error)
	startErr  error
	sent      []Request      // captured requests
	notifs    []Notification // captured notifications
	starts    int
	closes    int
	dead      bool
}

func newMockTransport() *mockTransport {
	m := &mockTransport{
		responses: make(map[string]*Response),
	}
	m.addResponse("initialize", initializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      ServerInfo{Name: "test-server", Version: "1.0.0"},
	})
	return m
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	}
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	}
}

func (m *mockTransport) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	return m.startErr
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)
	if m.sendHook != nil {
		if resp, err := m.sendHook(req); resp != nil || err != nil {
			return resp, err
		}
	}
	resp, ok := m.responses[req.Method]
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	// Copy response and set matching ID.
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.dead = true
	return nil
}

func (m *mockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dead
}

func openSession(t *testing.T, mt *mockTransport) *Session {
	t.Helper()
	s := NewSession(mt, SessionConfig{Name: "test"})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSession_Open(t *testing.T) {
	mt := newMockTransport()
	s := openSession(t, mt)

	if mt.starts != 1 {
		t.Errorf("Start called %d times, want 1", mt.starts)
	}
	if len(mt.sent) != 1 || mt.sent[0].Method != "initialize" {
		t.Fatalf("sent = %+v, want single initialize", mt.sent)
	}
	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Fatalf("notifs = %+v, want notifications/initialized", mt.notifs)
	}

	params, _ := json.Marshal(mt.sent[0].Params)
	if !strings.Contains(string(params), `"protocolVersion":"2024-11-05"`) {
		t.Errorf("initialize params = %s, want protocolVersion 2024-11-05", params)
	}

	if s.State() != StateOpen {
		t.Errorf("State = %v, want open", s.State())
	}
	if got := s.ServerInfo().Name; got != "test-server" {
		t.Errorf("ServerInfo.Name = %q, want test-server", got)
	}
}

func TestSession_OpenCloseReleasesOnce(t *testing.T) {
	mt := newMockTransport()
	s := openSession(t, mt)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if mt.starts != 1 || mt.closes != 1 {
		t.Errorf("starts=%d closes=%d, want 1/1", mt.starts, mt.closes)
	}
	if s.State() != StateClosed {
		t.Errorf("State = %v, want closed", s.State())
	}
}

func TestSession_CloseNeverOpened(t *testing.T) {
	mt := newMockTransport()
	s := NewSession(mt, SessionConfig{Name: "test"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if mt.starts != 0 || mt.closes != 1 {
		t.Errorf("starts=%d closes=%d, want 0/1", mt.starts, mt.closes)
	}
}

func TestSession_OpenFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*mockTransport)
	}{
		{name: "start fails", setup: func(m *mockTransport) { m.startErr = errors.New("exec: no such file") }},
		{name: "initialize rejected", setup: func(m *mockTransport) { m.addError("initialize", CodeInvalidRequest, "bad version") }},
		{name: "initialize garbage", setup: func(m *mockTransport) {
			m.responses["initialize"] = &Response{JSONRPC: jsonrpcVersion, Result: json.RawMessage(`[1,2]`)}
		}},
		{name: "transport eof", setup: func(m *mockTransport) {
			m.sendHook = func(*Request) (*Response, error) { return nil, io.EOF }
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMockTransport()
			tt.setup(mt)
			s := NewSession(mt, SessionConfig{Name: "weather"})

			err := s.Open(context.Background())
			var ce *ConnectError
			if !errors.As(err, &ce) {
				t.Fatalf("Open err = %v, want *ConnectError", err)
			}
			if ce.Endpoint != "weather" {
				t.Errorf("ConnectError.Endpoint = %q, want weather", ce.Endpoint)
			}
			if mt.closes != 1 {
				t.Errorf("transport closed %d times after failed open, want 1", mt.closes)
			}

			// The later teardown must not release again.
			if err := s.Close(); err != nil {
				t.Errorf("Close after failed open: %v", err)
			}
			if mt.closes != 1 {
				t.Errorf("transport closed %d times in total, want 1", mt.closes)
			}
		})
	}
}

func TestSession_WrongState(t *testing.T) {
	ctx := context.Background()

	mt := newMockTransport()
	fresh := NewSession(mt, SessionConfig{Name: "test"})
	if _, err := fresh.ListTools(ctx); !errors.Is(err, ErrSessionNotOpen) {
		t.Errorf("ListTools before Open = %v, want ErrSessionNotOpen", err)
	}
	if _, err := fresh.CallTool(ctx, "x", nil); !errors.Is(err, ErrSessionNotOpen) {
		t.Errorf("CallTool before Open = %v, want ErrSessionNotOpen", err)
	}

	closed := openSession(t, newMockTransport())
	closed.Close()
	_, err := closed.CallTool(ctx, "x", nil)
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("CallTool after Close = %v, want ErrSessionClosed", err)
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("CallTool after Close = %T, want *ProtocolError", err)
	}
	if err := closed.Open(ctx); err == nil {
		t.Error("Open after Close succeeded, want error")
	}
}

func TestSession_ListToolsPagination(t *testing.T) {
	mt := newMockTransport()
	mt.sendHook = func(req *Request) (*Response, error) {
		if req.Method != "tools/list" {
			return nil, nil
		}
		var cursor string
		if p, ok := req.Params.(toolsListParams); ok {
			cursor = p.Cursor
		}
		var result toolsListResult
		switch cursor {
		case "":
			result = toolsListResult{Tools: []ToolDefinition{{Name: "a"}, {Name: "b"}}, NextCursor: "page2"}
		case "page2":
			result = toolsListResult{Tools: []ToolDefinition{{Name: "c"}}}
		default:
			return nil, fmt.Errorf("bad cursor %q", cursor)
		}
		data, _ := json.Marshal(result)
		return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: data}, nil
	}
	s := openSession(t, mt)

	tools, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if got := strings.Join(names, ","); got != "a,b,c" {
		t.Errorf("tools = %s, want a,b,c", got)
	}
}

func TestSession_ListToolsRepeatedCursor(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{Tools: []ToolDefinition{{Name: "a"}}, NextCursor: "again"})
	s := openSession(t, mt)

	_, err := s.ListTools(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("ListTools err = %v, want *ProtocolError", err)
	}
}

func TestSession_CallTool(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "line one"},
			{Type: "image", Data: "iVBOR"},
			{Type: "resource"},
			{Type: "audio"},
			{Type: "text", Text: "line two"},
		},
	})
	s := openSession(t, mt)

	got, err := s.CallTool(context.Background(), "query_weather", map[string]any{"city": "Beijing"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	want := "line one\n[image]\n[resource]\n[audio]\nline two"
	if got != want {
		t.Errorf("CallTool = %q, want %q", got, want)
	}

	last := mt.sent[len(mt.sent)-1]
	params, ok := last.Params.(callToolParams)
	if !ok {
		t.Fatalf("params type = %T", last.Params)
	}
	if params.Name != "query_weather" || params.Arguments["city"] != "Beijing" {
		t.Errorf("params = %+v", params)
	}
}

func TestSession_CallToolNilArgsSendsObject(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", callToolResult{Content: []ContentBlock{{Type: "text", Text: "ok"}}})
	s := openSession(t, mt)

	if _, err := s.CallTool(context.Background(), "noargs", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	data, _ := json.Marshal(mt.sent[len(mt.sent)-1].Params)
	if !strings.Contains(string(data), `"arguments":{}`) {
		t.Errorf("params = %s, want empty arguments object", data)
	}
}

func TestSession_CallToolErrors(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*mockTransport)
		wantTool   bool
		wantBroken bool
		wantMsg    string
	}{
		{
			name:     "isError result",
			setup:    func(m *mockTransport) { m.addResponse("tools/call", callToolResult{Content: []ContentBlock{{Type: "text", Text: "city not found"}}, IsError: true}) },
			wantTool: true,
			wantMsg:  "MCP tool query_weather returned error: city not found",
		},
		{
			name:     "unknown tool",
			setup:    func(m *mockTransport) { m.addError("tools/call", CodeInvalidParams, "unknown tool: query_weather") },
			wantTool: true,
			wantMsg:  "unknown tool",
		},
		{
			name: "transport breaks",
			setup: func(m *mockTransport) {
				m.sendHook = func(req *Request) (*Response, error) {
					if req.Method == "tools/call" {
						m.dead = true
						return nil, io.EOF
					}
					return nil, nil
				}
			},
			wantBroken: true,
			wantMsg:    "EOF",
		},
		{
			name: "transient failure",
			setup: func(m *mockTransport) {
				m.sendHook = func(req *Request) (*Response, error) {
					if req.Method == "tools/call" {
						return nil, context.DeadlineExceeded
					}
					return nil, nil
				}
			},
			wantMsg: "deadline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMockTransport()
			tt.setup(mt)
			s := openSession(t, mt)

			_, err := s.CallTool(context.Background(), "query_weather", map[string]any{})
			if err == nil {
				t.Fatal("CallTool succeeded, want error")
			}
			var te *ToolError
			var pe *ProtocolError
			if tt.wantTool && !errors.As(err, &te) {
				t.Errorf("err = %T %v, want *ToolError", err, err)
			}
			if !tt.wantTool && !errors.As(err, &pe) {
				t.Errorf("err = %T %v, want *ProtocolError", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %q, want substring %q", err, tt.wantMsg)
			}
			if s.Broken() != tt.wantBroken {
				t.Errorf("Broken = %v, want %v", s.Broken(), tt.wantBroken)
			}
		})
	}
}

func TestSession_BrokenRejectsFurtherCalls(t *testing.T) {
	mt := newMockTransport()
	mt.sendHook = func(req *Request) (*Response, error) {
		if req.Method == "ping" {
			mt.dead = true
			return nil, io.ErrUnexpectedEOF
		}
		return nil, nil
	}
	s := openSession(t, mt)

	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("Ping succeeded, want error")
	}
	if s.State() != StateBroken {
		t.Fatalf("State = %v, want broken", s.State())
	}
	if _, err := s.ListTools(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("ListTools on broken session = %v, want ErrSessionClosed", err)
	}
}

func TestSession_RequestIDsIncrease(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("ping", map[string]any{})
	s := openSession(t, mt)

	for range 3 {
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	}
	for i := 1; i < len(mt.sent); i++ {
		if mt.sent[i].ID <= mt.sent[i-1].ID {
			t.Errorf("request %d id %d not greater than %d", i, mt.sent[i].ID, mt.sent[i-1].ID)
		}
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{name: "empty", want: ""},
		{name: "single text", blocks: []ContentBlock{{Type: "text", Text: "hi"}}, want: "hi"},
		{name: "mixed", blocks: []ContentBlock{{Type: "text", Text: "a"}, {Type: "image"}}, want: "a\n[image]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.blocks); got != tt.want {
				t.Errorf("extractText = %q, want %q", got, tt.want)
			}
		})
	}
}
