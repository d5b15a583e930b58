package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for ForwardClear.
type Metrics struct {
	// --- Core processing ---
	CoreInstructionsApplied  *prometheus.CounterVec
	CoreInstructionsRejected *prometheus.CounterVec
	CoreInstructionDuration  *prometheus.HistogramVec
	CoreJournals             *prometheus.CounterVec
	CoreStateHashDur         prometheus.Histogram
	CoreSequence             prometheus.Gauge

	// --- Clearing domain ---
	DealsOpened        *prometheus.CounterVec
	DealsSettled       *prometheus.CounterVec
	SettlementPnL      *prometheus.CounterVec
	FeesCollected      *prometheus.CounterVec
	StalePricePosts    *prometheus.CounterVec
	YieldParkedTotal   *prometheus.GaugeVec
	ReceiptsMinted     *prometheus.CounterVec
	ReceiptsBurned     *prometheus.CounterVec

	// --- Latency ---
	IngestToApply   *prometheus.HistogramVec
	ApplyToPersist  prometheus.Histogram
	NATSPullLatency *prometheus.HistogramVec
	PersistBatchDur prometheus.Histogram

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	SequenceGap           *prometheus.CounterVec
	OutOfOrder            *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & recovery ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec

	// --- WebSocket feed ---
	WSConnections prometheus.Gauge
	WSDropped     prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
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
		CoreInstructionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_core_instructions_applied_total",
			Help: "Instructions successfully applied by core",
		}, []string{"instruction_type"}),

		CoreInstructionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_core_instructions_rejected_total",
			Help: "Instructions rejected (dedup, gap, validation)",
		}, []string{"instruction_type", "reason"}),

		CoreInstructionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fwd_core_instruction_apply_duration_seconds",
			Help:    "Time to apply a single instruction in core",
			Buckets: latencyBuckets,
		}, []string{"instruction_type"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_kind"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwd_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fwd_core_sequence",
			Help: "Current global sequence number",
		}),

		DealsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_deals_opened_total",
			Help: "Forward deals booked",
		}, []string{"market", "kind"}),

		DealsSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_deals_settled_total",
			Help: "Forward deals settled (terminal)",
		}, []string{"market", "kind"}),

		SettlementPnL: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_settlement_pnl_abs_total",
			Help: "Absolute settlement PnL moved, by market",
		}, []string{"market"}),

		FeesCollected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_fees_collected_total",
			Help: "Payout fees collected into market fee vaults",
		}, []string{"market"}),

		StalePricePosts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_stale_price_posts_total",
			Help: "Price posts whose source sequence did not advance",
		}, []string{"market"}),

		YieldParkedTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fwd_yield_parked_total",
			Help: "Collateral currently parked in strategy vaults",
		}, []string{"market"}),

		ReceiptsMinted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_receipts_minted_total",
			Help: "Warehouse receipt units minted",
		}, []string{"market"}),

		ReceiptsBurned: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_receipts_burned_total",
			Help: "Warehouse receipt units burned",
		}, []string{"market"}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fwd_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"instruction_type"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwd_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fwd_nats_pull_latency_seconds",
			Help:    "JetStream message age at receive",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwd_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence batch",
			Buckets: latencyBuckets,
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fwd_channel_size",
			Help: "Current channel occupancy",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fwd_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_projection_drops_total",
			Help: "Outputs dropped on full projection channel",
		}, []string{"instruction_type"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwd_publish_drops_total",
			Help: "Outbound events dropped by the publisher",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwd_persist_backpressure_total",
			Help: "Blocking sends that stalled on the persist channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_idempotency_duplicates_total",
			Help: "Duplicate instructions detected",
		}, []string{"instruction_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fwd_dedup_lru_size",
			Help: "Idempotency LRU entry count",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwd_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		SequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		OutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_out_of_order_total",
			Help: "Out-of-order non-duplicate instructions",
		}, []string{"partition"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwd_persist_events_written_total",
			Help: "Event envelopes committed to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwd_persist_journals_written_total",
			Help: "Journal rows committed to Postgres",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_persist_errors_total",
			Help: "Persistence errors by kind",
		}, []string{"kind"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwd_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fwd_persist_last_sequence",
			Help: "Highest sequence durably committed",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwd_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwd_snapshot_duration_seconds",
			Help:    "Time to capture and write a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fwd_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwd_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fwd_replay_duration_seconds",
			Help: "Duration of the last recovery replay",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fwd_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "kind"}),

		WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fwd_ws_connections",
			Help: "Active WebSocket feed connections",
		}),

		WSDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwd_ws_dropped_total",
			Help: "WebSocket messages dropped on slow consumers",
		}),
	}
}
