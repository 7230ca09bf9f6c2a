// Package metrics declares fleetwatch's prometheus instrumentation,
// registered once at package init using the standard package-level
// prometheus.New*/MustRegister pattern.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_nodes_total",
			Help: "Total number of non-terminated nodes by type and status",
		},
		[]string{"node_type", "status"},
	)

	PendingLaunchesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_pending_launches_total",
			Help: "Total number of nodes requested but not yet observed running, by node type",
		},
		[]string{"node_type"},
	)

	LaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_launches_total",
			Help: "Total number of node launch attempts by node type and outcome",
		},
		[]string{"node_type", "outcome"},
	)

	TerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_terminations_total",
			Help: "Total number of node terminations by reason",
		},
		[]string{"reason"},
	)

	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_updates_total",
			Help: "Total number of node updater dispatches by outcome",
		},
		[]string{"outcome"},
	)

	UpdatersInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_updaters_in_flight",
			Help: "Number of node updaters currently running",
		},
	)

	RecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_recoveries_total",
			Help: "Total number of restart-only recovery updaters dispatched for unresponsive nodes",
		},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetwatch_tick_duration_seconds",
			Help:    "Time taken for one reconciler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_ticks_total",
			Help: "Total number of reconciler ticks by outcome",
		},
		[]string{"outcome"},
	)

	ConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_consecutive_failures",
			Help: "Current count of consecutive tick failures counted against the failure budget",
		},
	)

	ConfigRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_config_refreshes_total",
			Help: "Total number of cluster config refresh attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		PendingLaunchesTotal,
		LaunchesTotal,
		TerminationsTotal,
		UpdatesTotal,
		UpdatersInFlight,
		RecoveriesTotal,
		TickDuration,
		TicksTotal,
		ConsecutiveFailures,
		ConfigRefreshesTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
