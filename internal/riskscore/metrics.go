package riskscore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/yieldguard/internal/fault"
)

var (
	compositeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "yieldguard",
		Subsystem: "riskscore",
		Name:      "composite_bps",
		Help:      "Current composite risk score per asset in basis points.",
	}, []string{"asset"})

	updatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "riskscore",
		Name:      "updates_total",
		Help:      "Feed updates by record kind and outcome code.",
	}, []string{"kind", "result"})

	breachesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "riskscore",
		Name:      "threshold_breaches_total",
		Help:      "Scores that newly crossed the emergency threshold.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(compositeGauge, updatesTotal, breachesTotal)
}

func observeUpdate(kind string, err error) {
	result := "ok"
	if err != nil {
		result = fault.CodeOf(err)
	}
	updatesTotal.WithLabelValues(kind, result).Inc()
}
