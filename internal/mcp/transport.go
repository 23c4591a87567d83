package mcp

import (
	"context"
	"log/slog"
)

// levelTrace matches config.LevelTrace; wire payloads are logged at it.
const levelTrace = slog.Level(-8)

// Transport is the interface for MCP server communication.
// Implementations handle the details of sending JSON-RPC requests and
// receiving responses over a specific channel.
type Transport interface {
	// Start acquires the underlying channel: spawns the subprocess,
	// dials the socket, or validates the endpoint. It is called once by
	// [Session.Open] before the initialize handshake.
	Start(ctx context.Context) error

	// Send sends a JSON-RPC request and returns the response with the
	// matching ID. The transport handles framing, encoding, and correlation.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources. It must be
	// safe to call on a transport that was never started, and more than once.
	Close() error
}

// closedReporter is implemented by transports whose channel can break
// mid-session. After a failed Send, a transport reporting Closed() true
// cannot carry further requests.
type closedReporter interface {
	Closed() bool
}

// acquireSlot takes the single slot of sem, honouring ctx while waiting.
// A context that is already done never leaves the slot held.
func acquireSlot(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		<-sem
		return err
	}
	return nil
}
