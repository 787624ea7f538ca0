package observability

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CoverLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreRecords          *prometheus.CounterVec
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge

	// --- Pool ---
	PoolReserves    prometheus.Gauge
	PoolUtilized    prometheus.Gauge
	PoolTotalShares prometheus.Gauge
	PoolProtections prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter
	IngestRateLimited   prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	DedupTier2Errors      prometheus.Counter
	NonceGaps             prometheus.Counter
	NonceOutOfOrder       prometheus.Counter
	ClockRegressions      prometheus.Counter

	// --- Keeper ---
	KeeperRuns  *prometheus.CounterVec
	KeeperSwept prometheus.Counter

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistRecordsWritten  prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken       prometheus.Counter
	SnapshotDuration    prometheus.Histogram
	SnapshotSizeBytes   prometheus.Gauge
	SnapshotLastSeq     prometheus.Gauge
	ReplayCommandsTotal prometheus.Counter
	ReplayDuration      prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not panic.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_commands_rejected_total",
			Help: "Commands rejected (duplicate or domain error kind)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_records_emitted_total",
			Help: "Records emitted by applied commands",
		}, []string{"record_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_core_sequence",
			Help: "Current global sequence number",
		}),

		// Pool
		PoolReserves: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_pool_reserves",
			Help: "Pool reserves in whole asset units",
		}),

		PoolUtilized: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_pool_utilized",
			Help: "Coverage outstanding in whole asset units",
		}),

		PoolTotalShares: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_pool_total_shares",
			Help: "Provider shares outstanding",
		}),

		PoolProtections: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_pool_protections",
			Help: "Protections ever purchased",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_ingest_to_apply_seconds",
			Help:    "Command receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"command_type"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_publish_drops_total",
			Help: "Records dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		IngestRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_ingest_rate_limited_total",
			Help: "HTTP commands refused by the rate limiter",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed and fell through",
		}),

		NonceGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_nonce_gap_total",
			Help: "Caller nonce gaps",
		}),

		NonceOutOfOrder: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_nonce_out_of_order_total",
			Help: "Stale caller nonces on new commands",
		}),

		ClockRegressions: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_clock_regression_total",
			Help: "Commands timestamped before the last applied command",
		}),

		// Keeper
		KeeperRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_keeper_runs_total",
			Help: "Keeper job executions",
		}, []string{"job", "status"}),

		KeeperSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_keeper_swept_total",
			Help: "Protections swept by keeper commands",
		}),

		// Persistence
		PersistCommandsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_commands_written_total",
			Help: "Command envelopes written to Postgres",
		}),

		PersistRecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_records_written_total",
			Help: "Emitted records written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_persist_batch_size",
			Help:    "Commands per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayCommandsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
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

// SetPoolGauges publishes the pool aggregate. Amounts are BASE-scaled.
func (m *Metrics) SetPoolGauges(reserves, utilized, totalShares *uint256.Int, protections uint64) {
	m.PoolReserves.Set(Units(reserves))
	m.PoolUtilized.Set(Units(utilized))
	m.PoolTotalShares.Set(Units(totalShares))
	m.PoolProtections.Set(float64(protections))
}

var base = new(big.Float).SetInt64(1e18)

// Units converts a BASE-scaled amount to a float for display only.
func Units(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f := new(big.Float).SetInt(v.ToBig())
	out, _ := f.Quo(f, base).Float64()
	return out
}
