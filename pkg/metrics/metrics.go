package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion
var (
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerx_events_received_total",
		Help: "Raw events delivered to the ledger",
	})

	EventsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerx_events_inserted_total",
			Help: "New ledger entries by event name",
		},
		[]string{"event_name"},
	)

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerx_events_duplicate_total",
		Help: "Re-delivered events ignored by fingerprint",
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledgerx_batch_duration_seconds",
		Help:    "Time taken by RecordEvents",
		Buckets: prometheus.DefBuckets,
	})

	CheckpointBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerx_checkpoint_block",
			Help: "Last fully ingested block per source",
		},
		[]string{"source"},
	)
)

// Folding
var (
	EntriesFolded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerx_entries_folded_total",
			Help: "Ledger entries folded into running counters by kind",
		},
		[]string{"kind"},
	)

	UnknownEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerx_unknown_events_total",
			Help: "Ledger entries without a folding handler",
		},
		[]string{"event_name"},
	)
)

// Rollups and SSI
var (
	DaysMaterialized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerx_days_materialized_total",
			Help: "Daily rows written, by state (open, closed, skipped)",
		},
		[]string{"state"},
	)

	RollupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledgerx_rollup_tick_duration_seconds",
		Help:    "Time taken by a scheduler tick across all communities",
		Buckets: prometheus.DefBuckets,
	})

	SSIComputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerx_ssi_computed_total",
			Help: "Sustainability index computations by status",
		},
		[]string{"status"},
	)
)

// InvariantViolations is the operator alert channel. Every increment is paired
// with an error log carrying alert=true.
var InvariantViolations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ledgerx_invariant_violations_total",
		Help: "Operations aborted because they would corrupt data",
	},
	[]string{"operation"},
)
