// Package observability exposes Prometheus metrics and view usage
// statistics for the streamview engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UpdatesTotal counts update and remove calls by table and outcome.
	UpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamview_table_updates_total",
			Help: "Total number of table update/remove calls",
		},
		[]string{"table", "op", "status"},
	)
	// RowsApplied counts rows inserted, overwritten, evicted or removed.
	RowsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamview_table_rows_total",
			Help: "Total number of rows changed per kind",
		},
		[]string{"table", "kind"},
	)
	// UpdateDuration is the latency of applying one batch including view recomputation.
	UpdateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamview_table_update_duration_seconds",
			Help:    "Latency of applying a batch to a table and its views",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)
	// Notifications counts subscriber deliveries by outcome (delivered|dropped).
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamview_notifications_total",
			Help: "Total number of subscription deliveries",
		},
		[]string{"status"},
	)
	// Connections is the number of open remote connections.
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamview_connections",
			Help: "Number of open WebSocket connections",
		},
	)
	// Snapshots counts snapshot save/restore attempts by outcome.
	Snapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamview_snapshots_total",
			Help: "Total number of snapshot operations",
		},
		[]string{"op", "status"},
	)
	// JournalWrites counts journal records by table and outcome.
	JournalWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamview_journal_writes_total",
			Help: "Total number of journaled table ops",
		},
		[]string{"table", "status"},
	)
	// JournalReplayed counts journal entries applied at startup.
	JournalReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamview_journal_replayed_total",
			Help: "Total number of journal entries replayed at startup",
		},
	)
)

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Status renders an error as a metric label value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
