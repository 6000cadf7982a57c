package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the clearing engine.
type Metrics struct {
	// --- Trading ---
	SwapsExecuted *prometheus.CounterVec
	SwapsRejected *prometheus.CounterVec
	SwapNotional  *prometheus.CounterVec
	SwapDuration  *prometheus.HistogramVec
	MarkPrice     *prometheus.GaugeVec
	PoolLiquidity *prometheus.GaugeVec

	// --- Funding ---
	FundingSettled     *prometheus.CounterVec
	FundingGrowthLong  *prometheus.GaugeVec
	FundingGrowthShort *prometheus.GaugeVec

	// --- Repeg ---
	RepegsExecuted *prometheus.CounterVec
	RepegCost      *prometheus.CounterVec

	// --- Liquidation ---
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationDeficits  *prometheus.CounterVec
	InsuranceFundBalance *prometheus.GaugeVec

	// --- Ingestion ---
	IndexUpdatesApplied *prometheus.CounterVec
	IndexUpdatesStale   *prometheus.CounterVec
	IngestLatency       *prometheus.HistogramVec

	// --- Persistence ---
	PersistRowsWritten *prometheus.CounterVec
	PersistBatchDur    prometheus.Histogram
	PersistErrors      *prometheus.CounterVec
	SnapshotTaken      prometheus.Counter
	SnapshotDuration   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		SwapsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nftperp_swaps_executed_total",
			Help: "Swaps executed against the virtual pool",
		}, []string{"market", "direction"}),

		SwapsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nftperp_swaps_rejected_total",
			Help: "Swaps rejected (margin, slippage, tick guard)",
		}, []string{"market", "reason"}),

		SwapNotional: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nftperp_swap_notional_total",
			Help: "Cumulative quote notional traded",
		}, []string{"market"}),

		SwapDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nftperp_swap_duration_seconds",
			Help:    "Time to price and book one swap",
			Buckets: latencyBuckets,
		}, []string{"market"}),

		MarkPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nftperp_mark_price",
			Help: "Current AMM spot price",
		}, []string{"market"}),

		PoolLiquidity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nftperp_pool_liquidity",
			Help: "Aggregate virtual liquidity",
		}, []string{"market"}),

		FundingSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nftperp_funding_settlements_total",
			Help: "Per-position funding settlements",
		}, []string{"market"}),

		FundingGrowthLong: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nftperp_funding_growth_long",
			Help: "Cumulative long-side premium integral",
		}, []string{"market"}),

		FundingGrowthShort: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nftperp_funding_growth_short",
			Help: "Cumulative short-side premium integral",
		}, []string{"market"}),

		RepegsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nftperp_repegs_executed_total",
			Help: "Repegs executed, labeled full or partial",
		}, []string{"market", "mode"}),

		RepegCost: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nftperp_repeg_cost_total",
			Help: "Cumulative quote settled against the insurance fund by repegs",
		}, []string{"market"}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nftperp_liquidations_executed_total",
			Help: "Liquidation closes executed",
		}, []string{"market"}),

		LiquidationDeficits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nftperp_liquidation_deficits_total",
			Help: "Liquidations leaving negative equity for the fund to cover",
		}, []string{"market"}),

		InsuranceFundBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nftperp_insurance_fund_balance",
			Help: "Available insurance fund per market",
		}, []string{"market"}),

		IndexUpdatesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nftperp_index_updates_applied_total",
			Help: "Index price observations accepted",
		}, []string{"market"}),

		IndexUpdatesStale: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nftperp_index_updates_stale_total",
			Help: "Index price observations dropped as stale or duplicate",
		}, []string{"market"}),

		IngestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nftperp_ingest_latency_seconds",
			Help:    "NATS receive to oracle apply",
			Buckets: latencyBuckets,
		}, []string{"subject"}),

		PersistRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nftperp_persist_rows_written_total",
			Help: "Rows written by the persistence writer",
		}, []string{"table"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "nftperp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nftperp_persist_errors_total",
			Help: "Persistence write errors",
		}, []string{"table"}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nftperp_snapshot_taken_total",
			Help: "State snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "nftperp_snapshot_duration_seconds",
			Help:    "Time to write one snapshot",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),
	}
}
