// Package connwatch keeps an eye on MCP servers between calls.
//
// A Watcher probes one server repeatedly. While the server is down it
// retries on an exponential schedule (2s, 4s, 8s, ... capped at 60s);
// once it is up it settles into a fixed poll interval. Every up/down
// transition is reported through OnChange.
//
// This is distinct from httpkit's transport-level retry, which covers
// sub-second dial errors inside a single request.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a server is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls retry and polling timing.
type BackoffConfig struct {
	// InitialDelay is the wait after the first failed probe.
	InitialDelay time.Duration

	// MaxDelay caps the retry delay.
	MaxDelay time.Duration

	// Multiplier scales the delay after each consecutive failure.
	Multiplier float64

	// PollInterval is the wait between probes while healthy.
	PollInterval time.Duration

	// ProbeTimeout bounds each probe.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s doubling to 60s while down, with a
// 60s poll while up and a 10s probe budget.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// delay returns the wait after the given number of consecutive failures.
func (b BackoffConfig) delay(failures int) time.Duration {
	d := b.InitialDelay
	for i := 1; i < failures; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	return min(d, b.MaxDelay)
}

// Status is a point-in-time view of one watched server.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures"`
	Since     time.Time `json:"since"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	// Name identifies the server in logs and status.
	Name string

	// Probe checks server health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnChange is called after the first probe and on every up/down
	// transition. It runs on the watcher goroutine. Optional.
	OnChange func(Status)

	// Logger uses slog.Default() if nil.
	Logger *slog.Logger
}

// Watcher monitors one server.
type Watcher struct {
	config WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	first := true
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		st, changed := w.record(err)
		if changed || first {
			w.report(st, err)
		}
		first = false

		wait := cfg.PollInterval
		if !st.Ready {
			wait = cfg.delay(st.Failures)
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// record folds a probe outcome into the status and reports whether
// readiness flipped.
func (w *Watcher) record(err error) (Status, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	ready := err == nil
	changed := ready != w.status.Ready
	if changed || w.status.Since.IsZero() {
		w.status.Since = now
	}
	w.status.Ready = ready
	w.status.LastCheck = now
	if ready {
		w.status.Failures = 0
		w.status.LastError = ""
	} else {
		w.status.Failures++
		w.status.LastError = err.Error()
	}
	return w.status, changed
}

func (w *Watcher) report(st Status, err error) {
	logger := w.config.Logger
	if st.Ready {
		logger.Info("mcp server reachable", "server", st.Name)
	} else {
		logger.Warn("mcp server unreachable",
			"server", st.Name,
			"failures", st.Failures,
			"error", err,
		)
	}
	if w.config.OnChange != nil {
		w.config.OnChange(st)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates watchers for many servers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. Watching a name twice replaces the earlier watcher.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: cfg.Name},
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Get returns the watcher for name.
func (m *Manager) Get(name string) (*Watcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watchers[name]
	return w, ok
}

// Statuses returns every watcher's status sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	clear(m.watchers)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
