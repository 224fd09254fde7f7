package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileWalletDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "wallet_drift",
		Help:      "Number of wallets whose replayed balance mismatched in the last run.",
	})

	reconcileOrphanedHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "orphaned_holdings",
		Help:      "Number of open holdings on finished escrows found in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileWalletDrift,
		reconcileOrphanedHolds,
		reconcileDuration,
		reconcileErrors,
	)
}
