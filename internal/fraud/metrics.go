package fraud

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/fraudguard/internal/metrics"
)

var (
	evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "evaluation",
		Name:      "total",
		Help:      "Evaluations by outcome.",
	}, []string{"outcome"}) // "ok", "degraded", "invalid"

	evaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "evaluation",
		Name:      "duration_seconds",
		Help:      "Evaluation latency.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
	})

	verdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "evaluation",
		Name:      "verdicts_total",
		Help:      "Verdicts by action and risk level.",
	}, []string{"action", "risk_level"})

	ruleOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "evaluation",
		Name:      "rule_outcomes_total",
		Help:      "Per-rule outcomes by rule type.",
	}, []string{"rule_type", "outcome"}) // "clear", "triggered", "skipped", "indeterminate"

	dependencyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "evaluation",
		Name:      "dependency_failures_total",
		Help:      "Dependency calls that failed, timed out or hit an open breaker.",
	}, []string{"dependency"})

	reviewsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "review",
		Name:      "resolutions_total",
		Help:      "Review resolutions by decision and result.",
	}, []string{"decision", "result"}) // "ok", "invalid_transition", "conflict"

	scoresPersistFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "evaluation",
		Name:      "persist_failures_total",
		Help:      "Verdicts returned to the caller but not stored.",
	})

	followUpsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "evaluation",
		Name:      "followups_dropped_total",
		Help:      "Post-verdict work dropped because the queue was full.",
	})

	followUpQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "evaluation",
		Name:      "followup_queue_depth",
		Help:      "Post-verdict work waiting for a worker.",
	})
)

func init() {
	prometheus.MustRegister(evaluationsTotal, evaluationDuration, verdictsTotal, ruleOutcomes,
		dependencyFailures, reviewsTotal, scoresPersistFailed, followUpsDropped, followUpQueueDepth)
}
