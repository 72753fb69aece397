// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Sync metrics
	SyncCyclesTotal   *prometheus.CounterVec
	SyncCycleDuration prometheus.Histogram
	TokenRefreshes    prometheus.Counter
	RowsUpserted      *prometheus.CounterVec
	GroupsRebuilt     prometheus.Counter
	SymbolFallbacks   prometheus.Counter

	// Scheduler metrics
	ConnectionsDue  prometheus.Gauge
	LeasesClaimed   prometheus.Counter
	LeasesContended prometheus.Counter

	// Price pool metrics
	PoolTicksTotal   *prometheus.CounterVec
	RulesProcessed   *prometheus.CounterVec
	BarsInserted     prometheus.Counter
	AccountRotations prometheus.Counter

	// Backfill metrics
	BackfillChunks       *prometheus.CounterVec
	BackfillBarsInserted prometheus.Counter

	// Health metrics
	LastSuccessfulSync     prometheus.Gauge
	LastSuccessfulPoolTick prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "brokersync"
	}

	return &Metrics{
		// Sync metrics
		SyncCyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Total number of connection sync cycles by status",
		}, []string{"status"}),
		SyncCycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Connection sync cycle duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		TokenRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "token_refreshes_total",
			Help:      "Total number of mid-cycle token refreshes after a 401",
		}),
		RowsUpserted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "rows_upserted_total",
			Help:      "Total number of normalized rows upserted by table",
		}, []string{"table"}),
		GroupsRebuilt: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "groups_rebuilt_total",
			Help:      "Total number of trade idea group rebuilds",
		}),
		SymbolFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "symbol_fallbacks_total",
			Help:      "Total number of instrument lookups that fell back to a synthetic symbol",
		}),

		// Scheduler metrics
		ConnectionsDue: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "connections_due",
			Help:      "Number of connections due at the last tick",
		}),
		LeasesClaimed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "leases_claimed_total",
			Help:      "Total number of sync leases claimed",
		}),
		LeasesContended: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "leases_contended_total",
			Help:      "Total number of due connections skipped because another worker held the lease",
		}),

		// Price pool metrics
		PoolTicksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricepool",
			Name:      "ticks_total",
			Help:      "Total number of price pool ticks by status",
		}, []string{"status"}),
		RulesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricepool",
			Name:      "rules_processed_total",
			Help:      "Total number of sync rules processed by status",
		}, []string{"status"}),
		BarsInserted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricepool",
			Name:      "bars_inserted_total",
			Help:      "Total number of 1m bars inserted by the pool",
		}),
		AccountRotations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricepool",
			Name:      "account_rotations_total",
			Help:      "Total number of round-robin pool account selections",
		}),

		// Backfill metrics
		BackfillChunks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "chunks_total",
			Help:      "Total number of backfill chunks fetched by status",
		}, []string{"status"}),
		BackfillBarsInserted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "bars_inserted_total",
			Help:      "Total number of bars inserted by backfill jobs",
		}),

		// Health metrics
		LastSuccessfulSync: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_sync_timestamp",
			Help:      "Unix timestamp of the last successful sync cycle",
		}),
		LastSuccessfulPoolTick: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_pool_tick_timestamp",
			Help:      "Unix timestamp of the last successful price pool tick",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
