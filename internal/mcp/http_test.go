package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// mcpHandler answers JSON-RPC over POST with the given server,
// switching to an event stream when sse is true.
type mcpHandler struct {
	srv *Server
	sse bool

	mu       sync.Mutex
	sessions []string // Mcp-Session-Id seen on each request
	deleted  bool
	headers  http.Header
}

func (h *mcpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.sessions = append(h.sessions, r.Header.Get(sessionHeader))
	h.headers = r.Header.Clone()
	h.mu.Unlock()

	if r.Method == http.MethodDelete {
		h.mu.Lock()
		h.deleted = true
		h.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, _ := io.ReadAll(r.Body)
	out := h.srv.HandleMessage(r.Context(), body)

	w.Header().Set(sessionHeader, "sess-123")
	if out == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if !h.sse {
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	// A progress notification and a comment precede the response.
	fmt.Fprint(w, ": keep-alive\n\n")
	fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{}}\n\n")
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", out)
}

func newWeatherServer() *Server {
	srv := NewServer("weather", "1.0.0", nil)
	srv.AddTool(ToolDefinition{Name: "query_weather"}, func(_ context.Context, args map[string]any) (string, error) {
		return fmt.Sprintf("Weather in %v: sunny", args["city"]), nil
	})
	return srv
}

func TestHTTPTransport_Session(t *testing.T) {
	for _, useSSE := range []bool{false, true} {
		t.Run(fmt.Sprintf("sse=%v", useSSE), func(t *testing.T) {
			h := &mcpHandler{srv: newWeatherServer(), sse: useSSE}
			ts := httptest.NewServer(h)
			defer ts.Close()

			tr := NewHTTPTransport(HTTPConfig{
				URL:     ts.URL,
				Headers: map[string]string{"Authorization": "Bearer tok"},
			})
			s := NewSession(tr, SessionConfig{Name: "weather"})
			ctx := context.Background()
			if err := s.Open(ctx); err != nil {
				t.Fatalf("Open: %v", err)
			}

			got, err := s.CallTool(ctx, "query_weather", map[string]any{"city": "Beijing"})
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if got != "Weather in Beijing: sunny" {
				t.Errorf("CallTool = %q", got)
			}

			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			h.mu.Lock()
			defer h.mu.Unlock()
			if h.sessions[0] != "" {
				t.Errorf("first request carried session %q, want none", h.sessions[0])
			}
			for i, sid := range h.sessions[1:] {
				if sid != "sess-123" {
					t.Errorf("request %d session = %q, want sess-123", i+1, sid)
				}
			}
			if !h.deleted {
				t.Error("Close did not DELETE the session")
			}
			if got := h.headers.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("Authorization = %q, want Bearer tok", got)
			}
		})
	}
}

func TestHTTPTransport_StreamEndsWithoutResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
	}))
	defer ts.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: ts.URL})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Send = %v, want ErrUnexpectedEOF", err)
	}
}

func TestHTTPTransport_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer ts.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: ts.URL})
	tr.Start(context.Background())
	_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("Send = %v, want 502 error", err)
	}
	if tr.Closed() {
		t.Error("HTTP error status must not close the transport")
	}
}

func TestHTTPTransport_CancelLeavesUsable(t *testing.T) {
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, req.ID)
	}))
	defer ts.Close()
	defer close(release)

	tr := NewHTTPTransport(HTTPConfig{URL: ts.URL})
	tr.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := tr.Send(ctx, NewRequest(1, "ping", nil)); err == nil {
		t.Fatal("Send with expired context succeeded")
	}
	if tr.Closed() {
		t.Fatal("cancelled HTTP request closed the transport")
	}

	resp, err := tr.Send(context.Background(), NewRequest(2, "ping", nil))
	if err != nil {
		t.Fatalf("Send after cancel: %v", err)
	}
	if resp.ID != 2 {
		t.Errorf("resp.ID = %d, want 2", resp.ID)
	}
}

func TestHTTPTransport_StartValidatesURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:8080/mcp", false},
		{"https://example.com/mcp", false},
		{"ftp://example.com", true},
		{"http://", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := NewHTTPTransport(HTTPConfig{URL: tt.url}).Start(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Start(%q) = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestHTTPTransport_SendBeforeStart(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{URL: "http://localhost"})
	if _, err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); !errors.Is(err, ErrTransportNotStarted) {
		t.Errorf("Send before Start = %v, want ErrTransportNotStarted", err)
	}
}
