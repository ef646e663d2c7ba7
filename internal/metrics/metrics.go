package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the wizard service counters on a private registry so tests
// can run in parallel without duplicate-registration panics.
type Metrics struct {
	Registry *prometheus.Registry

	AnswersTotal   *prometheus.CounterVec
	RulesTriggered prometheus.Counter
	SessionsActive prometheus.Gauge
	AnswerSeconds  prometheus.Histogram
	EnrichFailures prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		AnswersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lexflow_answers_total",
			Help: "Answers processed, by outcome (accepted, rejected, not_found).",
		}, []string{"outcome"}),
		RulesTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lexflow_rules_triggered_total",
			Help: "Conditional rules that fired.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lexflow_sessions_active",
			Help: "Wizard sessions currently held in memory.",
		}),
		AnswerSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lexflow_answer_duration_seconds",
			Help:    "Wall time of one processAnswer call.",
			Buckets: prometheus.DefBuckets,
		}),
		EnrichFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lexflow_enrichment_failures_total",
			Help: "Legal enrichment lookups that degraded to an empty payload.",
		}),
	}
	reg.MustRegister(m.AnswersTotal, m.RulesTriggered, m.SessionsActive, m.AnswerSeconds, m.EnrichFailures)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
