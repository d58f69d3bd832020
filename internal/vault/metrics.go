package vault

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/yieldguard/internal/fault"
)

var (
	totalAssetsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldguard",
		Subsystem: "vault",
		Name:      "total_assets",
		Help:      "Idle plus deployed assets, in whole units.",
	})

	totalSharesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldguard",
		Subsystem: "vault",
		Name:      "total_shares",
		Help:      "Outstanding shares, in whole units.",
	})

	idleGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldguard",
		Subsystem: "vault",
		Name:      "idle_assets",
		Help:      "Assets not deployed to any strategy, in whole units.",
	})

	activeStrategiesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldguard",
		Subsystem: "vault",
		Name:      "active_strategies",
		Help:      "Number of active strategies.",
	})

	portfolioRiskGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldguard",
		Subsystem: "vault",
		Name:      "portfolio_risk",
		Help:      "Allocation-weighted risk score of active strategies (0-100).",
	})

	depositsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "vault",
		Name:      "deposits_total",
		Help:      "Accepted deposits.",
	})

	withdrawalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "vault",
		Name:      "withdrawals_total",
		Help:      "Accepted withdrawals and redemptions.",
	})

	rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "vault",
		Name:      "rejections_total",
		Help:      "Rejected ledger operations by operation and error code.",
	}, []string{"operation", "code"})

	feeSharesMinted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "vault",
		Name:      "fee_shares_minted_total",
		Help:      "Shares minted to the fee recipient, in whole units.",
	})

	rebalancesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "vault",
		Name:      "rebalances_total",
		Help:      "Rebalance attempts by result.",
	}, []string{"result"})

	emergencyTriggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "vault",
		Name:      "emergency_triggers_total",
		Help:      "Emergency halts by trigger kind (manual or automatic).",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		totalAssetsGauge,
		totalSharesGauge,
		idleGauge,
		activeStrategiesGauge,
		portfolioRiskGauge,
		depositsTotal,
		withdrawalsTotal,
		rejectionsTotal,
		feeSharesMinted,
		rebalancesTotal,
		emergencyTriggers,
	)
}

func rejected(op string, err error) {
	rejectionsTotal.WithLabelValues(op, fault.CodeOf(err)).Inc()
}
