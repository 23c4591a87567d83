// Package shell implements the interactive prompt: one line of input
// per turn, answered by the agent loop.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/nugget/mcpchat/internal/agent"
	"github.com/nugget/mcpchat/internal/connwatch"
	"github.com/nugget/mcpchat/internal/tools"
	"github.com/nugget/mcpchat/internal/usage"
)

// ErrSessionLost is returned by [Shell.Run] when the tool server
// connection broke during a query.
var ErrSessionLost = errors.New("tool server connection lost")

// maxLineSize bounds one line of input.
const maxLineSize = 1 << 20

// Processor answers one query. *agent.Loop implements it.
type Processor interface {
	Process(ctx context.Context, query string) (*agent.Result, error)
}

// HealthChecker reports whether the session can still serve requests.
// *mcp.Session implements it.
type HealthChecker interface {
	Broken() bool
}

// UsageReporter summarizes recorded usage. *usage.Store implements it.
type UsageReporter interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByServer(start, end time.Time) (map[string]*usage.Summary, error)
}

// StatusReporter lists background health checks. *connwatch.Group
// implements it.
type StatusReporter interface {
	Status() []connwatch.Status
}

// Config configures a [Shell].
type Config struct {
	Prompt string

	// QueryTimeout bounds one query end to end. Zero means no limit.
	QueryTimeout time.Duration

	// RefreshTimeout bounds /tools. Zero means 30s.
	RefreshTimeout time.Duration
}

// Shell is a read-eval-print loop around a [Processor].
type Shell struct {
	cfg    Config
	proc   Processor
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	catalog *tools.Catalog
	lister  tools.Lister
	health  HealthChecker
	usage   UsageReporter
	status  StatusReporter
	now     func() time.Time

	// readerDone is closed when the input goroutine exits.
	readerDone chan struct{}
}

// New creates a shell reading from in and writing to out.
func New(cfg Config, proc Processor, in io.Reader, out io.Writer, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	return &Shell{
		cfg:    cfg,
		proc:   proc,
		in:     in,
		out:    out,
		logger: logger,
		now:    time.Now,
	}
}

// SetCatalog enables /tools, which refreshes c from l and lists it.
func (s *Shell) SetCatalog(c *tools.Catalog, l tools.Lister) {
	s.catalog = c
	s.lister = l
}

// SetHealth makes the shell stop after a query that left the session
// broken.
func (s *Shell) SetHealth(h HealthChecker) {
	s.health = h
}

// SetUsage enables /usage.
func (s *Shell) SetUsage(u UsageReporter) {
	s.usage = u
}

// SetStatus enables /status.
func (s *Shell) SetStatus(r StatusReporter) {
	s.status = r
}

// Run reads and answers lines until quit, end of input, cancellation of
// ctx, or a broken session. It returns nil for quit and end of input.
func (s *Shell) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines, readErr := s.readLines(ctx)

	fmt.Fprintln(s.out, "Type a question, /help for commands, or quit to exit.")

	for {
		fmt.Fprintf(s.out, "\n%s", s.cfg.Prompt)

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				if err := <-readErr; err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}

		switch strings.ToLower(line) {
		case "quit", "exit", "/quit", "/exit":
			return nil
		case "/help":
			s.printHelp()
			continue
		case "/tools":
			s.listTools(ctx)
			continue
		case "/usage":
			s.printUsage()
			continue
		case "/status":
			s.printStatus()
			continue
		}

		s.query(ctx, line)

		if s.health != nil && s.health.Broken() {
			fmt.Fprintln(s.out, "\nThe connection to the tool server was lost. Exiting.")
			return ErrSessionLost
		}
	}
}

// readLines scans input on its own goroutine so a blocked read never
// delays cancellation. The error channel yields the scan error (or nil)
// once lines is closed.
func (s *Shell) readLines(ctx context.Context) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	s.readerDone = make(chan struct{})

	go func() {
		defer close(s.readerDone)
		defer close(errc)
		defer close(lines)

		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	return lines, errc
}

func (s *Shell) query(ctx context.Context, q string) {
	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	res, err := s.proc.Process(ctx, q)
	if err != nil {
		s.logger.Debug("query failed", "error", err)
		fmt.Fprintf(s.out, "\n%s\n", agent.Describe(err))
		return
	}

	for _, tc := range res.ToolCalls {
		if tc.Err != nil {
			fmt.Fprintf(s.out, "\n[tool %s failed: %v]", tc.Name, tc.Err)
		} else {
			fmt.Fprintf(s.out, "\n[called tool %s]", tc.Name)
		}
	}
	fmt.Fprintf(s.out, "\n%s\n", res.Answer)
}

func (s *Shell) printHelp() {
	fmt.Fprint(s.out, `Commands:
  /tools   refresh and list the server's tools
  /usage   show today's token usage
  /status  show tool server and model health
  /help    show this help
  quit     exit (also: exit, /quit)
Anything else is sent to the model.
`)
}

func (s *Shell) listTools(ctx context.Context) {
	if s.catalog == nil {
		fmt.Fprintln(s.out, "No tool catalog available.")
		return
	}

	if s.lister != nil {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
		err := s.catalog.Refresh(rctx, s.lister)
		cancel()
		if err != nil {
			fmt.Fprintf(s.out, "Could not refresh tools: %v\n", err)
		}
	}

	list := s.catalog.List()
	if len(list) == 0 {
		fmt.Fprintln(s.out, "The server offers no tools.")
		return
	}
	fmt.Fprintf(s.out, "%d tool(s):\n", len(list))
	for _, d := range list {
		desc, _, _ := strings.Cut(strings.TrimSpace(d.Description), "\n")
		if desc == "" {
			fmt.Fprintf(s.out, "  %s\n", d.Name)
			continue
		}
		fmt.Fprintf(s.out, "  %s - %s\n", d.Name, desc)
	}
}

func (s *Shell) printUsage() {
	if s.usage == nil {
		fmt.Fprintln(s.out, "Usage tracking is disabled (set usage.enabled in the config).")
		return
	}
	start, end := usage.Today(s.now())
	sum, err := s.usage.Summary(start, end)
	if err != nil {
		fmt.Fprintf(s.out, "Could not read usage: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Today: %d model call(s), %d input tokens, %d output tokens, $%.4f\n",
		sum.TotalRecords, sum.TotalInputTokens, sum.TotalOutputTokens, sum.TotalCostUSD)
	if sum.TotalRecords == 0 {
		return
	}

	groups := []struct {
		label string
		fetch func(start, end time.Time) (map[string]*usage.Summary, error)
	}{
		{"By model", s.usage.SummaryByModel},
		{"By server", s.usage.SummaryByServer},
	}
	for _, g := range groups {
		byKey, err := g.fetch(start, end)
		if err != nil {
			s.logger.Warn("usage breakdown failed", "group", g.label, "error", err)
			continue
		}
		fmt.Fprintf(s.out, "%s:\n", g.label)
		for _, key := range slices.Sorted(maps.Keys(byKey)) {
			b := byKey[key]
			if key == "" {
				key = "(unknown)"
			}
			fmt.Fprintf(s.out, "  %-20s %d call(s), %d in, %d out, $%.4f\n",
				key, b.TotalRecords, b.TotalInputTokens, b.TotalOutputTokens, b.TotalCostUSD)
		}
	}
}

func (s *Shell) printStatus() {
	if s.status == nil {
		fmt.Fprintln(s.out, "Health checks are disabled.")
		return
	}
	for _, st := range s.status.Status() {
		switch {
		case !st.Checked:
			fmt.Fprintf(s.out, "  %-8s checking\n", st.Name)
		case st.Ready:
			fmt.Fprintf(s.out, "  %-8s ok (checked %s ago)\n", st.Name, s.now().Sub(st.LastCheck).Round(time.Second))
		default:
			fmt.Fprintf(s.out, "  %-8s down: %s (%d failed checks)\n", st.Name, st.LastError, st.Failures)
		}
	}
}
