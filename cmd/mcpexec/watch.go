package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/mcpexec/internal/connwatch"
)

// runWatch probes every enabled server until interrupted, printing each
// health transition and publishing it to MQTT when configured.
func runWatch(ctx context.Context, w io.Writer, a *app) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	servers := a.registry.Enabled()
	if len(servers) == 0 {
		return errors.New("no enabled MCP servers to watch")
	}

	if a.cfg.Metrics.Listen != "" {
		stop, err := serveMetrics(a)
		if err != nil {
			return err
		}
		defer stop()
	}

	backoff := connwatch.DefaultBackoffConfig()
	backoff.PollInterval = a.cfg.Watch.PollInterval()
	backoff.ProbeTimeout = a.cfg.Timeouts.Call()

	var outMu sync.Mutex
	report := func(st connwatch.Status) {
		outMu.Lock()
		if a.output == "json" {
			_ = writeJSON(w, st)
		} else {
			state := "up"
			if !st.Ready {
				state = "down: " + st.LastError
			}
			fmt.Fprintf(w, "%s  %-20s %s\n", st.LastCheck.Format(time.RFC3339), st.Name, state)
		}
		outMu.Unlock()

		if a.publisher != nil {
			if err := a.publisher.PublishStatus(ctx, st); err != nil {
				a.logger.Debug("mqtt status publish failed", "server", st.Name, "error", err)
			}
		}
	}

	mgr := connwatch.NewManager(a.logger)
	for _, d := range servers {
		mgr.Watch(ctx, connwatch.WatcherConfig{
			Name:     d.Name,
			Probe:    func(ctx context.Context) error { return a.exec.Probe(ctx, d.Name) },
			Backoff:  backoff,
			OnChange: report,
		})
	}
	a.logger.Info("watching MCP servers", "servers", len(servers), "poll_interval", backoff.PollInterval)

	<-ctx.Done()
	mgr.Stop()
	return nil
}

// serveMetrics exposes the executor's Prometheus registry on the
// configured address and returns a function that shuts it down.
func serveMetrics(a *app) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	// Surface bind failures before reporting success.
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("metrics listener on %s: %w", srv.Addr, err)
	case <-time.After(100 * time.Millisecond):
	}
	a.logger.Info("metrics listening", "addr", srv.Addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics shutdown", "error", err)
		}
	}, nil
}
