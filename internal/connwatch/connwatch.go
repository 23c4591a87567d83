// Package connwatch probes long-lived dependencies (the MCP session and
// the model provider) in the background and reports when they go down
// or come back.
//
// A failing probe is retried with exponential backoff (2s, 4s, 8s, ...
// capped at 60s). A healthy dependency is probed every 60s.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if
// healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// Interval is the delay between probes while healthy (default 60s).
	Interval time.Duration

	// RetryDelay is the first delay after a failure (default 2s). It
	// doubles with every further failure up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration // default 60s

	// ProbeTimeout bounds one probe call (default 10s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the production schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		Interval:      60 * time.Second,
		RetryDelay:    2 * time.Second,
		MaxRetryDelay: 60 * time.Second,
		ProbeTimeout:  10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.MaxRetryDelay <= 0 {
		s.MaxRetryDelay = d.MaxRetryDelay
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Config configures one [Watcher].
type Config struct {
	// Name identifies the dependency in logs and status output.
	Name string

	// Probe checks health. It must be safe for concurrent use with the
	// dependency's normal traffic.
	Probe ProbeFunc

	Schedule Schedule

	// OnDown runs, on its own goroutine, when a healthy dependency
	// fails a probe. Optional.
	OnDown func(err error)

	// OnReady runs, on its own goroutine, when a probe first succeeds
	// or succeeds after a failure. Optional.
	OnReady func()

	Logger *slog.Logger
}

// Status is a point-in-time view of a watched dependency.
type Status struct {
	Name      string
	Ready     bool
	Checked   bool // false until the first probe finished
	LastCheck time.Time
	LastError string
	Failures  int // consecutive failed probes
}

// Watcher probes one dependency until stopped.
type Watcher struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Start launches a watcher. The first probe runs immediately. The
// watcher stops when ctx is cancelled or Stop is called.
//
// Start panics if Name is empty or Probe is nil.
func Start(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Schedule = cfg.Schedule.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: cfg.Name},
	}
	go w.run(ctx)
	return w
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// Status returns the current status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	sched := w.cfg.Schedule
	logger := w.cfg.Logger.With("dependency", w.cfg.Name)
	retry := sched.RetryDelay

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		wasReady, checked, failures := w.record(err)

		var next time.Duration
		switch {
		case err == nil:
			retry = sched.RetryDelay
			next = sched.Interval
			if !wasReady {
				if checked {
					logger.Info("dependency recovered")
				} else {
					logger.Debug("dependency reachable")
				}
				if w.cfg.OnReady != nil {
					go w.cfg.OnReady()
				}
			}
		default:
			next = retry
			retry = min(retry*2, sched.MaxRetryDelay)
			if wasReady {
				logger.Warn("dependency became unreachable", "error", err)
				if w.cfg.OnDown != nil {
					go w.cfg.OnDown(err)
				}
			} else {
				logger.Debug("dependency still unreachable",
					"failures", failures,
					"next_probe", next.String(),
					"error", err,
				)
			}
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Schedule.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(ctx)
}

// record stores a probe result and returns the state before it.
func (w *Watcher) record(err error) (wasReady, checked bool, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wasReady, checked = w.status.Ready, w.status.Checked
	w.status.Checked = true
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	return wasReady, checked, w.status.Failures
}

// Group holds several watchers so they can be reported and stopped
// together.
type Group struct {
	mu       sync.Mutex
	watchers []*Watcher
}

// Watch starts a watcher and adds it to the group.
func (g *Group) Watch(ctx context.Context, cfg Config) *Watcher {
	w := Start(ctx, cfg)
	g.mu.Lock()
	g.watchers = append(g.watchers, w)
	g.mu.Unlock()
	return w
}

// Status returns every watcher's status, sorted by name.
func (g *Group) Status() []Status {
	g.mu.Lock()
	out := make([]Status, 0, len(g.watchers))
	for _, w := range g.watchers {
		out = append(out, w.Status())
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops every watcher and waits for them to exit. It always
// returns nil, so a Group can be registered as an io.Closer.
func (g *Group) Close() error {
	g.mu.Lock()
	watchers := g.watchers
	g.watchers = nil
	g.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
	return nil
}
