package mcp

import (
	"encoding/json"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, "tools/list", map[string]any{"cursor": "abc"})

	if req.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, "2.0")
	}
	if req.ID != 42 {
		t.Errorf("ID = %d, want 42", req.ID)
	}
	if req.Method != "tools/list" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/list")
	}
}

func TestResponse_IsResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"result", `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`, true},
		{"error", `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"Method not found"}}`, true},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`, false},
		{"server request", `{"jsonrpc":"2.0","id":7,"method":"roots/list"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp Response
			if err := json.Unmarshal([]byte(tt.raw), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := resp.isResponse(); got != tt.want {
				t.Errorf("isResponse() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRPCErrorString(t *testing.T) {
	e := &RPCError{Code: CodeInvalidRequest, Message: "Invalid Request"}
	want := "jsonrpc error -32600: Invalid Request"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNotificationOmitsNilParams(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["params"]; ok {
		t.Error("params should be omitted when nil")
	}
	if _, ok := m["id"]; ok {
		t.Error("notifications must not carry an id")
	}
}
