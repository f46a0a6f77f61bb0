package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series the venue exports. One instance
// is built at startup and threaded to the components that record into it;
// components treat a nil *Metrics as "metrics disabled".
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         prometheus.Counter
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Duration    prometheus.Histogram
	SourceSequenceGap     *prometheus.CounterVec
	SourceOutOfOrder      *prometheus.CounterVec
	StalePriceDropped     *prometheus.CounterVec

	// --- Order book ---
	OrdersPlaced    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	TradesMatched   *prometheus.CounterVec
	TriggersFired   *prometheus.CounterVec

	// --- Markets & funding ---
	OpenInterest       *prometheus.GaugeVec
	MarkPrice          *prometheus.GaugeVec
	FundingRateUpdates *prometheus.CounterVec
	FundingRate        *prometheus.GaugeVec
	FundingSkipped     *prometheus.CounterVec

	// --- Liquidation ---
	LiquidationsDue      *prometheus.CounterVec
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationDeficit   *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projections ---
	ProjectionLastSequence prometheus.Gauge
	ProjectionErrors       *prometheus.CounterVec

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all venue metrics on the default
// registry. Call it once per process.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core processing
		CoreCommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_core_commands_applied_total",
			Help: "Commands successfully applied by the core",
		}, []string{"command_type"}),

		CoreCommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_core_commands_rejected_total",
			Help: "Commands rejected (dedup, gap, validation)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "venue_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in the core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "venue_core_journals_generated_total",
			Help: "Ledger journal entries generated",
		}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "venue_core_state_hash_duration_seconds",
			Help:    "Time to compute the state digest and hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "venue_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "venue_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"command_type"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "venue_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "venue_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "venue_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channels & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venue_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venue_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venue_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "venue_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "venue_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "venue_persist_backpressure_total",
			Help: "Times the core blocked on the persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "venue_dedup_lru_size",
			Help: "Current dedup LRU occupancy",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "venue_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		SourceSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_source_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		SourceOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_source_out_of_order_total",
			Help: "Out-of-order source rejections",
		}, []string{"partition"}),

		StalePriceDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_stale_price_dropped_total",
			Help: "Price updates ignored for carrying an old feed sequence",
		}, []string{"feed"}),

		// Order book
		OrdersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_orders_placed_total",
			Help: "Orders accepted by the book",
		}, []string{"market", "order_type"}),

		OrdersCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_orders_cancelled_total",
			Help: "Orders cancelled",
		}, []string{"market"}),

		TradesMatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_trades_matched_total",
			Help: "Trades produced by matching",
		}, []string{"market"}),

		TriggersFired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_triggers_fired_total",
			Help: "Stop-loss/take-profit activations",
		}, []string{"market"}),

		// Markets & funding
		OpenInterest: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venue_open_interest",
			Help: "Open interest per market side, settlement units",
		}, []string{"market", "side"}),

		MarkPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venue_mark_price",
			Help: "Last accepted mark price per feed",
		}, []string{"feed"}),

		FundingRateUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_funding_rate_updates_total",
			Help: "Committed funding-rate periods",
		}, []string{"asset"}),

		FundingRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venue_funding_rate",
			Help: "Last committed funding rate (1e18 fixed-point)",
		}, []string{"asset"}),

		FundingSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_funding_skipped_total",
			Help: "Funding ticks skipped (not due, no price)",
		}, []string{"asset", "reason"}),

		// Liquidation
		LiquidationsDue: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_liquidations_due_total",
			Help: "Distressed positions surfaced by the post-price scan",
		}, []string{"market"}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_liquidations_executed_total",
			Help: "Executed liquidations (partial/full)",
		}, []string{"market", "outcome"}),

		LiquidationDeficit: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_liquidation_deficit_total",
			Help: "Bankruptcy shortfall covered by the insurance fund",
		}, []string{"market"}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "venue_insurance_fund_balance",
			Help: "Current insurance fund balance",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "venue_persist_events_written_total",
			Help: "Command envelopes written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "venue_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "venue_persist_batch_size",
			Help:    "Envelopes per write batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "venue_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "venue_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Projections
		ProjectionLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "venue_projection_last_sequence",
			Help: "Highest sequence applied to the read models",
		}),

		ProjectionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_projection_errors_total",
			Help: "Read model update failures",
		}, []string{"projection"}),

		// Snapshot & replay
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "venue_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "venue_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "venue_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "venue_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "venue_replay_events_total",
			Help: "Envelopes replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "venue_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "venue_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates the three channel gauges for one channel.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
