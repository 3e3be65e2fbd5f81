package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the clearing service.
type Metrics struct {
	// --- Command processing ---
	CommandsApplied  *prometheus.CounterVec
	CommandsDeclined *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	Sequence         prometheus.Gauge

	// --- Settlement outcomes ---
	Settlements       *prometheus.CounterVec
	Liquidations      *prometheus.CounterVec
	MaxProfitClosures *prometheus.CounterVec
	LpShortfall       prometheus.Counter
	LpShortfallUSD    prometheus.Counter

	// --- Pool ---
	PoolAmount       prometheus.Gauge
	PoolLockedAmount prometheus.Gauge
	PoolTotalShares  prometheus.Gauge
	PoolEpoch        prometheus.Gauge
	EpochRollovers   prometheus.Counter
	RolloverBatches  *prometheus.CounterVec

	// --- Oracle ---
	PriceRejections *prometheus.CounterVec

	// --- Channel & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Persistence ---
	PersistRecordsWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Command processing
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_commands_applied_total",
			Help: "Commands that mutated state",
		}, []string{"command"}),

		CommandsDeclined: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_commands_declined_total",
			Help: "Commands declined without mutating state",
		}, []string{"command", "reason"}),

		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_commands_rejected_total",
			Help: "Commands aborted (validation, unknown instrument, stale price)",
		}, []string{"command", "reason"}),

		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_command_duration_seconds",
			Help:    "Time to process a single command",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		Sequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_sequence",
			Help: "Current settlement sequence number",
		}),

		// Settlement outcomes
		Settlements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_settlements_total",
			Help: "Settlement results by kind",
		}, []string{"kind"}),

		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_liquidations_total",
			Help: "Positions force-closed below maintenance threshold",
		}, []string{"instrument_id"}),

		MaxProfitClosures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_max_profit_closures_total",
			Help: "Positions force-closed at the profit cap",
		}, []string{"instrument_id"}),

		LpShortfall: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_lp_shortfall_total",
			Help: "Settlements where pool liquidity could not cover the gain",
		}),

		LpShortfallUSD: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_lp_shortfall_usd_total",
			Help: "Forgiven gain in USD (fixed-point units)",
		}),

		// Pool
		PoolAmount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_pool_amount",
			Help: "Pool capital in USD fixed-point units",
		}),

		PoolLockedAmount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_pool_locked_amount",
			Help: "Pool capital locked against open positions",
		}),

		PoolTotalShares: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_pool_total_shares",
			Help: "Outstanding pool shares",
		}),

		PoolEpoch: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_pool_epoch",
			Help: "Current pool epoch number",
		}),

		EpochRollovers: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_epoch_rollovers_total",
			Help: "Completed epoch rollovers",
		}),

		RolloverBatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_rollover_batches_total",
			Help: "Rollover batches accepted per side",
		}, []string{"side"}),

		// Oracle
		PriceRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_price_rejections_total",
			Help: "Prices rejected by the reference validator",
		}, []string{"reason"}),

		// Channel & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_publish_drops_total",
			Help: "Records dropped due to full publish channel",
		}),

		// Persistence
		PersistRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_records_written_total",
			Help: "Settlement records written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
