package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for executor decisions.
//
// Metrics:
//   - patternd_decisions_total{action,reason} - decisions by kind and reason
//   - patternd_collaborator_failures_total{collaborator} - send, action and queue errors
type Metrics struct {
	Decisions *prometheus.CounterVec
	Failures  *prometheus.CounterVec
}

// NewMetrics registers the metrics on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternd_decisions_total",
				Help: "Total number of executor decisions",
			},
			[]string{"action", "reason"},
		),
		Failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternd_collaborator_failures_total",
				Help: "Total number of failed collaborator calls",
			},
			[]string{"collaborator"}, // sender, action_runner, human_queue, recorder
		),
	}
}
