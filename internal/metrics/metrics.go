// Package metrics exposes the Prometheus metrics of the audit trail service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "btcbot_audit"

// Audit write metrics
var (
	// AuditWritesTotal counts on-chain write attempts by phase and outcome.
	AuditWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "On-chain audit writes by phase and outcome",
		},
		[]string{"phase", "status"}, // phase: commit/resolve, status: confirmed/failed/skipped
	)

	// AuditWriteDuration measures broadcast-to-receipt latency.
	AuditWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_duration_seconds",
			Help:      "On-chain write confirmation latency in seconds",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"phase"},
	)

	// AuditWriteRetries counts retry attempts before success or give-up.
	AuditWriteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_retries_total",
			Help:      "Retried on-chain write attempts",
		},
		[]string{"phase"},
	)

	// AuditFailOpenTotal counts writes abandoned without blocking the trade path.
	AuditFailOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Audit writes given up after retries, trade path continued",
		},
		[]string{"phase"},
	)
)

// Blockchain interaction metrics
var (
	// BlockchainTxTotal counts broadcast transactions.
	BlockchainTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blockchain_tx_total",
			Help:      "Broadcast transactions by outcome",
		},
		[]string{"status"}, // success/failed/pending
	)

	// BlockchainGasUsed tracks gas spent per write.
	BlockchainGasUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blockchain_gas_used",
			Help:      "Gas used per audit transaction",
			Buckets:   []float64{21000, 40000, 60000, 80000, 100000, 150000},
		},
	)

	// BlockchainNonceGauge is the last allocated nonce.
	BlockchainNonceGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blockchain_nonce",
			Help:      "Last allocated signer nonce",
		},
	)

	// RPCHealthyEndpoints is the number of healthy RPC endpoints.
	RPCHealthyEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_healthy_endpoints",
			Help:      "Currently healthy RPC endpoints",
		},
	)
)

// Indexer and backfill metrics
var (
	// IndexerBlockHeight is the last scanned block.
	IndexerBlockHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indexer_block_height",
			Help:      "Last block scanned by the event indexer",
		},
	)

	// IndexerEventsTotal counts indexed contract events.
	IndexerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_events_total",
			Help:      "Indexed contract events by type",
		},
		[]string{"type"}, // Committed/Resolved/OwnershipTransferred
	)

	// BackfillRecoveredTotal counts bets recovered by the backfill job.
	BackfillRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_recovered_total",
			Help:      "Audit entries recovered by the backfill job",
		},
		[]string{"phase"},
	)

	// BackfillPendingGauge is the number of bets still missing on-chain entries.
	BackfillPendingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backfill_pending",
			Help:      "Bets with unconfirmed on-chain entries",
		},
	)
)

// Messaging metrics
var (
	// KafkaMessagesTotal counts consumed and produced Kafka messages.
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Kafka messages by topic and result",
		},
		[]string{"topic", "result"}, // result: ok/error
	)
)
