package learning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the learning path.
//
// Metrics:
//   - patternd_learning_captures_total{result} - operator replies processed by result
//   - patternd_learning_redactions_total - replies refused because they carried a secret
type Metrics struct {
	Captures   *prometheus.CounterVec
	Redactions prometheus.Counter
}

// NewMetrics registers the metrics on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Captures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternd_learning_captures_total",
				Help: "Total number of operator replies processed by the learning path",
			},
			[]string{"result"}, // created, reinforced, variant, skipped, gold_standard
		),
		Redactions: f.NewCounter(
			prometheus.CounterOpts{
				Name: "patternd_learning_redactions_total",
				Help: "Total number of operator replies refused because they contained a secret",
			},
		),
	}
}
