package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcpchat/internal/buildinfo"
)

// wsSubprotocol is the WebSocket subprotocol MCP servers expect.
const wsSubprotocol = "mcp"

// WebSocketConfig configures a WebSocket MCP transport.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are sent with the opening handshake (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WebSocketTransport carries one JSON-RPC message per text frame.
// Requests are serialized the same way as on stdio: one in flight, the
// reply matched by ID, notifications skipped. A cancelled read closes
// the connection.
type WebSocketTransport struct {
	config WebSocketConfig
	logger *slog.Logger

	sem    chan struct{}
	conn   *websocket.Conn
	closed atomic.Bool
}

// NewWebSocketTransport creates a WebSocket transport. The connection
// is dialled by Start.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

func (t *WebSocketTransport) acquire(ctx context.Context) error {
	return acquireSlot(ctx, t.sem)
}

func (t *WebSocketTransport) release() {
	<-t.sem
}

// Closed reports whether the connection was closed or broke.
func (t *WebSocketTransport) Closed() bool {
	return t.closed.Load()
}

// Start dials the server, negotiating the mcp subprotocol.
func (t *WebSocketTransport) Start(ctx context.Context) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.conn != nil {
		return fmt.Errorf("websocket transport already started")
	}

	u, err := url.Parse(t.config.URL)
	if err != nil {
		return fmt.Errorf("parse MCP URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("MCP URL %s: scheme must be ws or wss", t.config.URL)
	}

	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent())
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{wsSubprotocol},
		ReadBufferSize:   1024 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	t.logger.Info("connecting to MCP WebSocket", "url", u.Redacted())

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial websocket: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial websocket: %w", err)
	}
	if proto := conn.Subprotocol(); proto != wsSubprotocol {
		t.logger.Warn("MCP WebSocket server did not accept subprotocol", "want", wsSubprotocol, "got", proto)
	}
	conn.SetReadLimit(maxResponseSize)

	t.conn = conn
	return nil
}

func (t *WebSocketTransport) ready() error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.conn == nil {
		return ErrTransportNotStarted
	}
	return nil
}

type wsFrame struct {
	data []byte
	err  error
}

// Send writes the request as one text frame and reads frames until the
// matching response arrives.
func (t *WebSocketTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.ready(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "MCP WebSocket send", "payload", string(data))

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.breakConn()
		return nil, fmt.Errorf("write websocket frame: %w", err)
	}

	for {
		ch := make(chan wsFrame, 1)
		go func(c *websocket.Conn) {
			_, msg, readErr := c.ReadMessage()
			ch <- wsFrame{data: msg, err: readErr}
		}(t.conn)

		select {
		case <-ctx.Done():
			t.breakConn()
			return nil, ctx.Err()
		case f := <-ch:
			if f.err != nil {
				t.breakConn()
				return nil, fmt.Errorf("read websocket frame: %w", f.err)
			}
			t.logger.Log(ctx, levelTrace, "MCP WebSocket recv", "payload", string(f.data))

			var resp Response
			if err := json.Unmarshal(f.data, &resp); err != nil {
				t.logger.Debug("skipping malformed WebSocket frame", "error", err)
				continue
			}
			if !resp.isResponse() {
				continue
			}
			if resp.ID == req.ID {
				return &resp, nil
			}
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID, "want", req.ID)
		}
	}
}

// Notify writes a notification frame.
func (t *WebSocketTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.ready(); err != nil {
		return err
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.breakConn()
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the connection.
func (t *WebSocketTransport) Close() error {
	_ = t.acquire(context.Background())
	defer t.release()

	t.closed.Store(true)
	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}

// breakConn drops the connection after a failure. Caller must hold the
// semaphore.
func (t *WebSocketTransport) breakConn() {
	t.closed.Store(true)
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}
