package velocity

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/fraudguard/internal/metrics"
)

var (
	velIncrements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "velocity",
		Name:      "increments_total",
		Help:      "Velocity increments by identifier type and result.",
	}, []string{"identifier_type", "result"}) // "ok", "exceeded", "error"

	velIncrementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "velocity",
		Name:      "increment_duration_seconds",
		Help:      "Latency of a single check-and-increment round trip.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	})

	velPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "velocity",
		Name:      "windows_purged_total",
		Help:      "Expired velocity windows removed by the purge timer.",
	})
)

func init() {
	prometheus.MustRegister(velIncrements, velIncrementDuration, velPurged)
}
