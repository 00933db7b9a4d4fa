package rules

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/fraudguard/internal/metrics"
)

var (
	cacheRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "rules",
		Name:      "cache_refreshes_total",
		Help:      "Rule cache reloads by result.",
	}, []string{"result"})

	activeRules = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "rules",
		Name:      "active",
		Help:      "Active rules in the current cache snapshot.",
	})

	ruleMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "rules",
		Name:      "mutations_total",
		Help:      "Rule administration operations by kind.",
	}, []string{"op"}) // "create", "update", "deactivate", "activate"
)

func init() {
	prometheus.MustRegister(cacheRefreshes, activeRules, ruleMutations)
}
