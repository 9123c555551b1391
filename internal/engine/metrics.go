package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaultize/alert-engine/internal/alertmodel"
)

// metrics holds the engine's prometheus collectors. Grounded on the
// sync.Once-guarded registration idiom used throughout this codebase's
// metrics helpers: collectors are built once per process and registered
// with the default registry, never per-Engine instance.
type metrics struct {
	evaluationsTotal *prometheus.CounterVec
	verdictErrors    *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	overrunsTotal    *prometheus.CounterVec
}

var (
	engineMetricsOnce sync.Once
	sharedMetrics     *metrics
)

func newMetrics() *metrics {
	engineMetricsOnce.Do(func() {
		sharedMetrics = &metrics{
			evaluationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "alertengine",
					Subsystem: "evaluator",
					Name:      "evaluations_total",
					Help:      "Total number of rule evaluations, by outcome.",
				},
				[]string{"rule", "outcome"},
			),
			verdictErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "alertengine",
					Subsystem: "evaluator",
					Name:      "verdict_errors_total",
					Help:      "Total number of evaluation verdict errors, by kind.",
				},
				[]string{"rule", "kind"},
			),
			deliveriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "alertengine",
					Subsystem: "dispatcher",
					Name:      "deliveries_total",
					Help:      "Total number of notification dispatch attempts, by aggregate status.",
				},
				[]string{"rule", "status"},
			),
			overrunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "alertengine",
					Subsystem: "scheduler",
					Name:      "overruns_total",
					Help:      "Total number of ticks dropped because the previous evaluation was still running.",
				},
				[]string{"rule"},
			),
		}
		prometheus.MustRegister(
			sharedMetrics.evaluationsTotal,
			sharedMetrics.verdictErrors,
			sharedMetrics.deliveriesTotal,
			sharedMetrics.overrunsTotal,
		)
	})
	return sharedMetrics
}

func (m *metrics) recordEvaluation(rule string, verdict alertmodel.EvaluationResult) {
	if verdict.Failed() {
		m.evaluationsTotal.WithLabelValues(rule, "error").Inc()
		m.verdictErrors.WithLabelValues(rule, string(verdict.Error)).Inc()
		return
	}
	m.evaluationsTotal.WithLabelValues(rule, "ok").Inc()
}

func (m *metrics) recordDelivery(rule, status string) {
	m.deliveriesTotal.WithLabelValues(rule, status).Inc()
}

func (m *metrics) recordOverrun(rule string) {
	m.overrunsTotal.WithLabelValues(rule).Inc()
}
