// Package lifecycle releases acquired resources in reverse order on
// every exit path.
//
// A Stack is filled as resources are acquired and closed once, usually
// via defer, when the owner returns:
//
//	stack := lifecycle.New(logger)
//	defer stack.Close()
//
//	sess := mcp.NewSession(transport, cfg)
//	stack.PushCloser("mcp session", sess) // before Open, so a half-open session is released
//	if err := sess.Open(ctx); err != nil {
//		return err
//	}
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ReleaseFunc releases one resource.
type ReleaseFunc func() error

type entry struct {
	name    string
	release ReleaseFunc
}

// Stack is a last-in first-out set of release functions. It is safe
// for concurrent use.
type Stack struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []entry
	closed  bool
	done    chan struct{} // closed when the first Close finishes
	err     error
}

// New returns an empty Stack.
func New(logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{logger: logger, done: make(chan struct{})}
}

// Push registers release under name. If the stack is already closed,
// release runs immediately and its error is returned.
func (s *Stack) Push(name string, release ReleaseFunc) error {
	if release == nil {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("resource registered after teardown, releasing now", "resource", name)
		return s.run(entry{name: name, release: release})
	}
	s.entries = append(s.entries, entry{name: name, release: release})
	s.mu.Unlock()
	return nil
}

// PushCloser registers c.Close under name.
func (s *Stack) PushCloser(name string, c io.Closer) error {
	if c == nil {
		return nil
	}
	return s.Push(name, c.Close)
}

// Len reports how many releases are pending.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close runs every registered release in reverse order of
// registration. All releases run even when some fail or panic; their
// errors are joined. Only the first call does any work. Later calls
// wait for it to finish and return the same error.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	}
	s.closed = true
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := s.run(entries[i]); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
	return err
}

// run calls one release, converting a panic into an error.
func (s *Stack) run(e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("release %s: panic: %v", e.name, r)
			s.logger.Error("resource release panicked", "resource", e.name, "panic", r)
		}
	}()

	if err := e.release(); err != nil {
		s.logger.Warn("resource release failed", "resource", e.name, "error", err)
		return fmt.Errorf("release %s: %w", e.name, err)
	}
	s.logger.Debug("resource released", "resource", e.name)
	return nil
}
