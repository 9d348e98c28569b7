package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the executor's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	toolCalls       *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	transportStarts *prometheus.CounterVec
	liveTransports  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		toolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpexec",
				Name:      "tool_calls_total",
				Help:      "Tool calls by server, tool and outcome.",
			},
			[]string{"server", "tool", "outcome"},
		),
		callDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpexec",
				Name:      "tool_call_duration_seconds",
				Help:      "Tool call latency in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"server"},
		),
		transportStarts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpexec",
				Name:      "transport_starts_total",
				Help:      "Transport start attempts by server, transport and outcome.",
			},
			[]string{"server", "transport", "outcome"},
		),
		liveTransports: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcpexec",
				Name:      "live_transports",
				Help:      "Number of transports currently held by the executor.",
			},
		),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) observeCall(server, tool string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(server, tool, outcome(ok)).Inc()
	m.callDuration.WithLabelValues(server).Observe(d.Seconds())
}

func (m *Metrics) observeStart(server, transport string, ok bool) {
	if m == nil {
		return
	}
	m.transportStarts.WithLabelValues(server, transport, outcome(ok)).Inc()
}

func (m *Metrics) setLive(n int) {
	if m == nil {
		return
	}
	m.liveTransports.Set(float64(n))
}
