package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotOpen is returned for operations attempted before
	// [Session.Open] has completed.
	ErrSessionNotOpen = errors.New("mcp session not open")

	// ErrSessionClosed is returned for operations attempted after the
	// session was closed or its transport broke.
	ErrSessionClosed = errors.New("mcp session closed")

	// ErrTransportClosed is returned by transports after Close or after
	// a failure that tore the channel down.
	ErrTransportClosed = errors.New("mcp transport closed")

	// ErrTransportNotStarted is returned by Send and Notify before Start.
	ErrTransportNotStarted = errors.New("mcp transport not started")

	// ErrUnsupportedEndpoint marks endpoints ParseEndpoint cannot launch.
	ErrUnsupportedEndpoint = errors.New("unsupported endpoint")
)

// ConnectError reports a failure to establish a session: a malformed
// endpoint, a transport that would not start, or an incomplete
// initialize handshake. It is fatal for that session.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to MCP server %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports a transport-level failure during a request:
// EOF, a malformed frame, a timeout, or a request made in the wrong
// session state.
type ProtocolError struct {
	Method string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp %s: %v", e.Method, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ToolError reports that the server rejected a tools/call (unknown
// tool, invalid arguments) or that the tool itself returned an error.
// The session remains usable.
type ToolError struct {
	Tool    string
	Code    int // JSON-RPC error code, zero when the tool set isError
	Message string
}

func (e *ToolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("MCP tool %s rejected call (code %d): %s", e.Tool, e.Code, e.Message)
	}
	return fmt.Sprintf("MCP tool %s returned error: %s", e.Tool, e.Message)
}
