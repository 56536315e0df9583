// Package metrics exposes synchronization counters for the paperdesk engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch results.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultStale = "stale"
)

// Registry holds all engine metrics on a private prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	Fetches           *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	Trades            *prometheus.CounterVec
	WatchlistToggles  *prometheus.CounterVec
	WatchlistRollback prometheus.Counter
	Cycles            *prometheus.CounterVec
}

// New creates and registers the engine metrics.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		Fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperdesk_fetches_total",
				Help: "Backend fetches by resource and result (ok, error, stale)",
			},
			[]string{"resource", "result"},
		),

		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paperdesk_fetch_duration_seconds",
				Help:    "Duration of backend fetches in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"resource"},
		),

		Trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperdesk_trades_total",
				Help: "Trade submissions by side and outcome",
			},
			[]string{"side", "outcome"},
		),

		WatchlistToggles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperdesk_watchlist_toggles_total",
				Help: "Watchlist toggles by action",
			},
			[]string{"action"},
		),

		WatchlistRollback: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "paperdesk_watchlist_rollbacks_total",
				Help: "Optimistic watchlist toggles rolled back after a backend failure",
			},
		),

		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperdesk_sync_cycles_total",
				Help: "Sync cycles by trigger reason",
			},
			[]string{"reason"},
		),
	}

	r.reg.MustRegister(
		r.Fetches,
		r.FetchDuration,
		r.Trades,
		r.WatchlistToggles,
		r.WatchlistRollback,
		r.Cycles,
	)
	return r
}

// RecordFetch counts one fetch of resource and observes its duration.
func (r *Registry) RecordFetch(resource, result string, took time.Duration) {
	r.Fetches.WithLabelValues(resource, result).Inc()
	if result != ResultStale {
		r.FetchDuration.WithLabelValues(resource).Observe(took.Seconds())
	}
}

// RecordTrade counts one trade attempt. outcome is "filled", "rejected" or "invalid".
func (r *Registry) RecordTrade(side, outcome string) {
	r.Trades.WithLabelValues(side, outcome).Inc()
}

// RecordToggle counts one watchlist toggle; failed toggles also count a rollback.
func (r *Registry) RecordToggle(added bool, failed bool) {
	action := "remove"
	if added {
		action = "add"
	}
	r.WatchlistToggles.WithLabelValues(action).Inc()
	if failed {
		r.WatchlistRollback.Inc()
	}
}

// RecordCycle counts one sync cycle.
func (r *Registry) RecordCycle(reason string) {
	r.Cycles.WithLabelValues(reason).Inc()
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the metrics in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
