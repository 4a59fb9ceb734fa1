// Package metrics holds the Prometheus collectors exported by the control
// plane on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Command outcomes used as the "outcome" label.
const (
	OutcomeOK             = "ok"
	OutcomeError          = "error"
	OutcomeDenied         = "denied"
	OutcomeTimeout        = "timeout"
	OutcomeConnectionLost = "connection_lost"
	OutcomeSendFailed     = "send_failed"
)

type Metrics struct {
	// Sessions is the number of agents currently in the registry.
	Sessions prometheus.Gauge

	// Commands counts dispatched commands by outcome.
	Commands *prometheus.CounterVec

	// CommandDuration observes round trip latency by outcome.
	CommandDuration *prometheus.HistogramVec

	// SecurityDenials counts commands vetoed by an agent's gatekeeper.
	SecurityDenials *prometheus.CounterVec

	Heartbeats prometheus.Counter

	// SessionsClosed counts session removals by cause: closed, replaced, evicted, stale, shutdown.
	SessionsClosed *prometheus.CounterVec

	// BridgeRequests counts JSON-RPC requests by method and result code (0 on success).
	BridgeRequests *prometheus.CounterVec

	RateLimited prometheus.Counter

	// Notifications counts notification deliveries: sent, failed, suppressed.
	Notifications *prometheus.CounterVec

	// UpdateChecks counts rollout decisions: none, available, forced, held.
	UpdateChecks *prometheus.CounterVec

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState *prometheus.GaugeVec
}

// New registers all collectors on reg. A nil reg gets a private registry so
// tests and embedded components never need a nil check.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleetgate_sessions",
			Help: "Number of live agent sessions.",
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetgate_commands_total",
			Help: "Commands dispatched to agents by outcome.",
		}, []string{"outcome"}),
		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetgate_command_duration_seconds",
			Help:    "Histogram of command round trip latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		SecurityDenials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetgate_security_denials_total",
			Help: "Commands denied by agent security policy.",
		}, []string{"method"}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_heartbeats_total",
			Help: "Heartbeats accepted from agents.",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetgate_sessions_closed_total",
			Help: "Agent sessions removed from the registry by cause.",
		}, []string{"cause"}),
		BridgeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetgate_bridge_requests_total",
			Help: "JSON-RPC bridge requests by method and result code.",
		}, []string{"method", "code"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_rate_limited_total",
			Help: "Requests rejected by the per-caller rate limiter.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetgate_notifications_total",
			Help: "Fleet notifications by result.",
		}, []string{"result"}),
		UpdateChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetgate_update_checks_total",
			Help: "Update checks by rollout decision.",
		}, []string{"decision"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetgate_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
	}
}
