package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// changes collects OnChange reports on a channel.
func changes() (chan Status, func(Status)) {
	ch := make(chan Status, 64)
	return ch, func(s Status) {
		select {
		case ch <- s:
		default:
		}
	}
}

func waitChange(t *testing.T, ch <-chan Status) Status {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status change")
		return Status{}
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", cfg.MaxDelay)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval)
	}
	if cfg.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", cfg.ProbeTimeout)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	b := DefaultBackoffConfig()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := b.delay(tt.failures); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{PollInterval: time.Second}.withDefaults()
	if got.PollInterval != time.Second {
		t.Errorf("PollInterval overwritten: %v", got.PollInterval)
	}
	if got.InitialDelay != 2*time.Second || got.Multiplier != 2.0 {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ch, onChange := changes()

	m := NewManager(slog.Default())
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name:     "weather",
		Probe:    func(ctx context.Context) error { return nil },
		Backoff:  testBackoff(),
		OnChange: onChange,
	})

	st := waitChange(t, ch)
	if !st.Ready || st.Name != "weather" {
		t.Errorf("first status = %+v, want ready", st)
	}
	if !w.IsReady() {
		t.Error("IsReady() = false after successful probe")
	}

	// Healthy polling must not report again.
	time.Sleep(30 * time.Millisecond)
	select {
	case s := <-ch:
		t.Errorf("unexpected change while healthy: %+v", s)
	default:
	}
}

func TestWatcher_BackoffThenRecovery(t *testing.T) {
	t.Parallel()
	ch, onChange := changes()
	errDown := errors.New("connection refused")

	var attempts atomic.Int32
	probe := func(ctx context.Context) error {
		if attempts.Add(1) <= 3 {
			return errDown
		}
		return nil
	}

	m := NewManager(slog.Default())
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name:     "files",
		Probe:    probe,
		Backoff:  testBackoff(),
		OnChange: onChange,
	})

	first := waitChange(t, ch)
	if first.Ready {
		t.Fatal("first status should be down")
	}
	if first.LastError != errDown.Error() {
		t.Errorf("LastError = %q", first.LastError)
	}

	up := waitChange(t, ch)
	if !up.Ready {
		t.Fatalf("second status = %+v, want ready", up)
	}
	if up.Failures != 0 || up.LastError != "" {
		t.Errorf("recovered status kept failure state: %+v", up)
	}
	if n := attempts.Load(); n < 4 {
		t.Errorf("probe attempts = %d, want at least 4", n)
	}
	if !w.IsReady() {
		t.Error("IsReady() = false after recovery")
	}
}

func TestWatcher_GoesDown(t *testing.T) {
	t.Parallel()
	ch, onChange := changes()

	var healthy atomic.Bool
	healthy.Store(true)
	probe := func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("gone")
	}

	m := NewManager(slog.Default())
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name:     "search",
		Probe:    probe,
		Backoff:  testBackoff(),
		OnChange: onChange,
	})

	if st := waitChange(t, ch); !st.Ready {
		t.Fatalf("first status = %+v, want ready", st)
	}
	healthy.Store(false)

	down := waitChange(t, ch)
	if down.Ready || down.Failures != 1 {
		t.Errorf("down status = %+v, want not ready with 1 failure", down)
	}
	if w.IsReady() {
		t.Error("IsReady() = true after failure")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ch, onChange := changes()

	cfg := testBackoff()
	cfg.ProbeTimeout = 10 * time.Millisecond

	m := NewManager(slog.Default())
	defer m.Stop()
	m.Watch(context.Background(), WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff:  cfg,
		OnChange: onChange,
	})

	st := waitChange(t, ch)
	if st.Ready {
		t.Fatal("hung probe reported ready")
	}
	if st.LastError != context.DeadlineExceeded.Error() {
		t.Errorf("LastError = %q, want deadline exceeded", st.LastError)
	}
}

func TestWatcher_StopOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "cancel",
		Probe:   func(ctx context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})
	cancel()

	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit after context cancel")
	}
}

func TestManager_Statuses(t *testing.T) {
	t.Parallel()
	upCh, onUp := changes()
	downCh, onDown := changes()

	m := NewManager(nil)
	defer m.Stop()
	m.Watch(context.Background(), WatcherConfig{
		Name:     "zeta",
		Probe:    func(ctx context.Context) error { return nil },
		Backoff:  testBackoff(),
		OnChange: onUp,
	})
	m.Watch(context.Background(), WatcherConfig{
		Name:     "alpha",
		Probe:    func(ctx context.Context) error { return errors.New("down") },
		Backoff:  testBackoff(),
		OnChange: onDown,
	})
	waitChange(t, upCh)
	waitChange(t, downCh)

	got := m.Statuses()
	if len(got) != 2 {
		t.Fatalf("Statuses() len = %d, want 2", len(got))
	}
	if got[0].Name != "alpha" || got[1].Name != "zeta" {
		t.Errorf("order = %s,%s, want alpha,zeta", got[0].Name, got[1].Name)
	}
	if got[0].Ready || !got[1].Ready {
		t.Errorf("readiness = %v,%v, want false,true", got[0].Ready, got[1].Ready)
	}

	if _, ok := m.Get("alpha"); !ok {
		t.Error("Get(alpha) not found")
	}
}

func TestManager_WatchReplaces(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer m.Stop()

	cfg := WatcherConfig{
		Name:    "dup",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	}
	first := m.Watch(context.Background(), cfg)
	second := m.Watch(context.Background(), cfg)

	select {
	case <-first.done:
	default:
		t.Error("replaced watcher still running")
	}
	if w, _ := m.Get("dup"); w != second {
		t.Error("Get returned the replaced watcher")
	}
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "s",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	m.Stop()

	select {
	case <-w.done:
	default:
		t.Error("watcher still running after Manager.Stop")
	}
	if len(m.Statuses()) != 0 {
		t.Error("Statuses not empty after Stop")
	}
}

func TestWatchPanics(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	for _, cfg := range []WatcherConfig{
		{Probe: func(context.Context) error { return nil }},
		{Name: "no-probe"},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Watch(%+v) did not panic", cfg.Name)
				}
			}()
			m.Watch(context.Background(), cfg)
		}()
	}
}
