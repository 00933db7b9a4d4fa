package attempts

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/fraudguard/internal/metrics"
)

var (
	attemptsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "attempts",
		Name:      "recorded_total",
		Help:      "Attempts appended to the log, by type.",
	}, []string{"type"})

	attemptEscalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "attempts",
		Name:      "escalations_total",
		Help:      "Origins auto-blacklisted after repeated attempts.",
	}, []string{"origin"}) // "device", "ip"
)

func init() {
	prometheus.MustRegister(attemptsRecorded, attemptEscalations)
}
