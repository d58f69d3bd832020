package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileShareMismatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldguard",
		Subsystem: "reconciliation",
		Name:      "share_mismatch",
		Help:      "1 when the sum of share balances differs from total shares in the last run.",
	})

	reconcileAllocationOverflow = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldguard",
		Subsystem: "reconciliation",
		Name:      "allocation_overflow",
		Help:      "1 when active allocations exceeded 10000 bps in the last run.",
	})

	reconcileInactiveFunds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldguard",
		Subsystem: "reconciliation",
		Name:      "inactive_funds",
		Help:      "1 when an exited strategy still held a position in the last run.",
	})

	reconcileHaltedWithActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldguard",
		Subsystem: "reconciliation",
		Name:      "halted_with_active",
		Help:      "1 when the vault was halted with strategies still active in the last run.",
	})

	reconcileStaleUnderlyings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldguard",
		Subsystem: "reconciliation",
		Name:      "stale_underlyings",
		Help:      "Number of strategy underlyings with stale risk data in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "yieldguard",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileShareMismatch,
		reconcileAllocationOverflow,
		reconcileInactiveFunds,
		reconcileHaltedWithActive,
		reconcileStaleUnderlyings,
		reconcileDuration,
		reconcileErrors,
	)
}
