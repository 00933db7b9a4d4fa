package blacklist

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/fraudguard/internal/metrics"
)

var (
	blLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "blacklist",
		Name:      "lookups_total",
		Help:      "Blacklist lookups by identifier type and result.",
	}, []string{"type", "result"}) // "hit", "miss", "error"

	blEntriesAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "blacklist",
		Name:      "entries_added_total",
		Help:      "Blacklist entries added or merged, by source.",
	}, []string{"source"})

	blEntriesRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "blacklist",
		Name:      "entries_removed_total",
		Help:      "Blacklist entries deactivated by an operator.",
	})

	blEntriesSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "blacklist",
		Name:      "entries_swept_total",
		Help:      "Expired blacklist entries flipped inactive by the sweeper.",
	})
)

func init() {
	prometheus.MustRegister(blLookups, blEntriesAdded, blEntriesRemoved, blEntriesSwept)
}
