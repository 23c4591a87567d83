package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/nugget/mcpchat/internal/httpkit"
)

// sessionHeader carries the server-assigned session identifier on
// streamable HTTP.
const sessionHeader = "Mcp-Session-Id"

// maxResponseSize bounds a single JSON-RPC response body or SSE event.
const maxResponseSize = 10 << 20

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Client overrides the HTTP client. Nil builds one via httpkit.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC message is sent as an HTTP POST. The server answers
// either with a JSON body or with an event stream carrying the response
// (and possibly notifications ahead of it).
//
// HTTP requests are independent, so a cancelled request does not break
// the transport.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
	started   atomic.Bool
	closed    atomic.Bool
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		// Tool calls may legitimately run long; the call context
		// bounds them instead of a client-wide timeout.
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
	}
}

// Start validates the endpoint URL. No connection is made until the
// first request.
func (t *HTTPTransport) Start(_ context.Context) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	u, err := url.Parse(t.url)
	if err != nil {
		return fmt.Errorf("parse MCP URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("MCP URL %s: scheme must be http or https", t.url)
	}
	if u.Host == "" {
		return fmt.Errorf("MCP URL %s: missing host", t.url)
	}
	t.started.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (t *HTTPTransport) Closed() bool {
	return t.closed.Load()
}

// SessionID returns the server-assigned session ID, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *HTTPTransport) ready() error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if !t.started.Load() {
		return ErrTransportNotStarted
	}
	return nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, method string, body []byte) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, t.url, rdr)
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	// Apply configured headers (auth, etc.).
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	if sid := t.SessionID(); sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}
	return httpReq, nil
}

func (t *HTTPTransport) captureSession(resp *http.Response) {
	sid := resp.Header.Get(sessionHeader)
	if sid == "" {
		return
	}
	t.mu.Lock()
	if t.sessionID != sid {
		t.logger.Debug("MCP HTTP session assigned", "session_id", sid)
	}
	t.sessionID = sid
	t.mu.Unlock()
}

// Send sends a JSON-RPC request via HTTP POST and returns the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "MCP HTTP send", "payload", string(body))

	httpReq, err := t.newRequest(ctx, http.MethodPost, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	t.captureSession(httpResp)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readStream(ctx, httpResp.Body, req.ID)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "MCP HTTP recv", "payload", string(respBody))

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}

	return &resp, nil
}

// readStream consumes an SSE response body until the response matching
// id arrives. Events that are notifications or server requests are
// logged and skipped.
func (t *HTTPTransport) readStream(ctx context.Context, body io.Reader, id int64) (*Response, error) {
	cfg := &sse.ReadConfig{MaxEventSize: maxResponseSize}

	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		if ev.Type != "" && ev.Type != "message" {
			t.logger.Debug("skipping SSE event", "type", ev.Type)
			continue
		}
		t.logger.Log(ctx, levelTrace, "MCP HTTP event", "payload", ev.Data)

		var resp Response
		if err := json.Unmarshal([]byte(ev.Data), &resp); err != nil {
			t.logger.Debug("skipping malformed SSE event", "error", err)
			continue
		}
		if !resp.isResponse() {
			continue
		}
		if resp.ID == id {
			return &resp, nil
		}
		t.logger.Debug("skipping unmatched MCP message", "id", resp.ID, "want", id)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("event stream ended before response %d: %w", id, io.ErrUnexpectedEOF)
}

// Notify sends a JSON-RPC notification via HTTP POST. No response
// content is expected, but the HTTP response status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.ready(); err != nil {
		return err
	}

	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpReq, err := t.newRequest(ctx, http.MethodPost, body)
	if err != nil {
		return err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP notification to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	t.captureSession(httpResp)

	// Accept 200 and 202 (accepted) for notifications.
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody)
	}

	return nil
}

// Close ends the server-side session with a DELETE when one was
// assigned. Servers that do not support explicit termination answer
// 405, which is not an error.
func (t *HTTPTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	sid := t.SessionID()
	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	httpReq, err := t.newRequest(ctx, http.MethodDelete, nil)
	if err != nil {
		return err
	}
	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			t.logger.Warn("MCP session termination timed out", "session_id", sid)
			return nil
		}
		return fmt.Errorf("terminate MCP session: %w", err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	switch httpResp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusMethodNotAllowed, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("terminate MCP session: server returned %d", httpResp.StatusCode)
	}
}
