package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

// stopGrace is how long Close waits for the subprocess to exit after
// stdin is closed before killing it.
const stopGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Dir is the working directory of the subprocess. Empty means the
	// current directory.
	Dir string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
//
// The subprocess is spawned by Start and lives until Close or until a
// read fails or is cancelled. There is no implicit restart: once the
// channel breaks, every later call returns [ErrTransportClosed].
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// sem is a one-slot semaphore serializing access to the pipes.
	// Unlike a mutex, waiting on it honours context cancellation.
	sem chan struct{}

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	closed atomic.Bool
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start is called.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

func (t *StdioTransport) acquire(ctx context.Context) error {
	return acquireSlot(ctx, t.sem)
}

func (t *StdioTransport) release() {
	<-t.sem
}

// Closed reports whether the transport was closed or broke.
func (t *StdioTransport) Closed() bool {
	return t.closed.Load()
}

// Start launches the subprocess. Its lifetime is independent of ctx,
// which only bounds the wait for the transport to become free.
func (t *StdioTransport) Start(ctx context.Context) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.cmd != nil {
		return errors.New("stdio transport already started")
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// stderr is diagnostic output, not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large responses

	go t.drainStderr(stderrPipe)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// ready reports why the pipes cannot be used, if they cannot. Caller
// must hold the semaphore.
func (t *StdioTransport) ready() error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.cmd == nil {
		return ErrTransportNotStarted
	}
	return nil
}

// readResult is the outcome of a single line read from stdout.
type readResult struct {
	line []byte
	err  error
}

// Send writes a request to stdin and reads stdout until the response
// with the matching ID arrives. Notifications and unmatched frames are
// skipped. Reads run in a goroutine so ctx can interrupt them; an
// interrupted read leaves the stream in an unknown position, so the
// subprocess is killed and the transport closed.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
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

	t.logger.Log(ctx, levelTrace, "MCP stdio send", "payload", string(data))

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return nil, fmt.Errorf("write to subprocess stdin: %w", err)
	}

	for {
		ch := make(chan readResult, 1)
		go func(r *bufio.Reader) {
			line, readErr := r.ReadBytes('\n')
			ch <- readResult{line: line, err: readErr}
		}(t.reader)

		select {
		case <-ctx.Done():
			// Killing the subprocess unblocks the pending read.
			t.cleanup()
			return nil, ctx.Err()
		case res := <-ch:
			if res.err != nil {
				t.cleanup()
				return nil, fmt.Errorf("read from subprocess stdout: %w", res.err)
			}

			t.logger.Log(ctx, levelTrace, "MCP stdio recv", "payload", string(res.line))

			var resp Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				t.logger.Debug("skipping non-JSON line from MCP subprocess",
					"line", string(res.line),
				)
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

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
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

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}

	return nil
}

// Close terminates the subprocess and releases resources. It waits for
// any in-flight request to finish first. Closing an unstarted or
// already closed transport returns nil.
func (t *StdioTransport) Close() error {
	_ = t.acquire(context.Background())
	defer t.release()

	t.closed.Store(true)
	return t.stop()
}

// stop closes stdin so the subprocess can exit on its own, then kills
// it after stopGrace. Caller must hold the semaphore.
func (t *StdioTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	cmd := t.cmd
	t.cmd = nil

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	t.reader = nil

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// A server exiting non-zero on stdin EOF is still a clean stop.
			t.logger.Debug("MCP subprocess exited", "pid", cmd.Process.Pid, "status", exitErr.ExitCode())
			return nil
		}
		return err
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}

// cleanup kills the subprocess after a failure and marks the transport
// closed. Caller must hold the semaphore.
func (t *StdioTransport) cleanup() {
	t.closed.Store(true)
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
}
