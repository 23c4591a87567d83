package mcp

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseEndpoint(t *testing.T) {
	dir := t.TempDir()
	py := touch(t, dir, "weather.py")
	js := touch(t, dir, "server.js")
	mjs := touch(t, dir, "server.mjs")
	bin := touch(t, dir, "server")
	exe := touch(t, dir, "server.exe")
	sh := touch(t, dir, "server.sh")

	tests := []struct {
		name        string
		target      string
		args        []string
		wantKind    EndpointKind
		wantRuntime string
		wantErr     error
		wantErrText string
	}{
		{name: "python", target: py, wantKind: EndpointStdio, wantRuntime: RuntimePython},
		{name: "node js", target: js, wantKind: EndpointStdio, wantRuntime: RuntimeNode},
		{name: "node mjs", target: mjs, wantKind: EndpointStdio, wantRuntime: RuntimeNode},
		{name: "no extension", target: bin, args: []string{"--verbose"}, wantKind: EndpointStdio},
		{name: "exe", target: exe, wantKind: EndpointStdio},
		{name: "http", target: "http://localhost:8000/mcp", wantKind: EndpointHTTP},
		{name: "https upper", target: "HTTPS://example.com/mcp", wantKind: EndpointHTTP},
		{name: "websocket", target: "wss://example.com/mcp", wantKind: EndpointWebSocket},
		{name: "shell script", target: sh, wantErr: ErrUnsupportedEndpoint, wantErrText: "unsupported script type"},
		{name: "ftp", target: "ftp://example.com", wantErr: ErrUnsupportedEndpoint},
		{name: "url with args", target: "http://x", args: []string{"a"}, wantErr: ErrUnsupportedEndpoint},
		{name: "missing script", target: filepath.Join(dir, "gone.py"), wantErr: fs.ErrNotExist},
		{name: "directory", target: dir, wantErrText: "is a directory"},
		{name: "empty", target: "", wantErr: ErrUnsupportedEndpoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := ParseEndpoint(tt.target, tt.args)
			if tt.wantErr != nil || tt.wantErrText != "" {
				if err == nil {
					t.Fatalf("ParseEndpoint(%q) succeeded, want error", tt.target)
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErrText) {
					t.Errorf("err = %q, want substring %q", err, tt.wantErrText)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEndpoint(%q): %v", tt.target, err)
			}
			if ep.Kind != tt.wantKind || ep.Runtime != tt.wantRuntime {
				t.Errorf("got kind=%v runtime=%q, want %v/%q", ep.Kind, ep.Runtime, tt.wantKind, tt.wantRuntime)
			}
			if len(ep.Args) != len(tt.args) {
				t.Errorf("Args = %v, want %v", ep.Args, tt.args)
			}
		})
	}
}

func TestEndpointCommand(t *testing.T) {
	opts := TransportOptions{Python: "python3.12"}

	cmd, args := Endpoint{Target: "w.py", Runtime: RuntimePython, Args: []string{"-x"}}.command(opts)
	if cmd != "python3.12" || strings.Join(args, " ") != "w.py -x" {
		t.Errorf("python command = %s %v", cmd, args)
	}

	cmd, args = Endpoint{Target: "s.js", Runtime: RuntimeNode}.command(opts)
	if cmd != "node" || len(args) != 1 || args[0] != "s.js" {
		t.Errorf("node command = %s %v", cmd, args)
	}

	cmd, _ = Endpoint{Target: "server"}.command(opts)
	if cmd != "."+string(filepath.Separator)+"server" {
		t.Errorf("bare command = %s, want ./server", cmd)
	}

	cmd, _ = Endpoint{Target: "/opt/bin/server"}.command(opts)
	if cmd != "/opt/bin/server" {
		t.Errorf("absolute command = %s", cmd)
	}
}

func TestEndpointName(t *testing.T) {
	tests := map[string]string{
		"/srv/tools/weather.py":       "weather.py",
		"https://mcp.example.com/mcp": "mcp.example.com",
		"ws://localhost:9000?x=1":     "localhost:9000",
	}
	for target, want := range tests {
		kind := EndpointStdio
		if strings.Contains(target, "://") {
			kind = EndpointHTTP
		}
		if got := (Endpoint{Kind: kind, Target: target}).Name(); got != want {
			t.Errorf("Name(%q) = %q, want %q", target, got, want)
		}
	}
}

func TestOpenEndpoint_ConnectError(t *testing.T) {
	ep := Endpoint{Kind: EndpointStdio, Target: "/nonexistent/server"}
	_, err := OpenEndpoint(t.Context(), ep, TransportOptions{})
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("OpenEndpoint = %v, want *ConnectError", err)
	}
}
