// Package mcp is the client side of the Model Context Protocol as used
// by mcpchat: a [Session] bound to one tool server, reached over one of
// three transports (stdio subprocess, streamable HTTP, or WebSocket).
//
// MCP is JSON-RPC 2.0. The session performs the initialize handshake,
// lists tools via tools/list and invokes them via tools/call. Every
// request carries a unique integer ID and transports match responses by
// that ID, skipping any notifications interleaved on the channel.
//
// The package also contains a small newline-delimited stdio [Server],
// used by the bundled weather demo and by tests.
package mcp
