package optimizer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for optimizer passes.
//
// Metrics:
//   - patternd_optimizer_runs_total{pass} - completed passes
//   - patternd_optimizer_changes_total{pass} - patterns decayed, merged or experiments closed
//   - patternd_optimizer_skipped_total{pass} - items skipped after an error
//   - patternd_optimizer_pass_duration_seconds{pass} - pass latency
type Metrics struct {
	Runs     *prometheus.CounterVec
	Changes  *prometheus.CounterVec
	Skipped  *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the metrics on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternd_optimizer_runs_total",
				Help: "Total number of optimizer passes run",
			},
			[]string{"pass"}, // decay, merge, experiment
		),
		Changes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternd_optimizer_changes_total",
				Help: "Total number of items changed by optimizer passes",
			},
			[]string{"pass"},
		),
		Skipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternd_optimizer_skipped_total",
				Help: "Total number of items skipped after an error",
			},
			[]string{"pass"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patternd_optimizer_pass_duration_seconds",
				Help:    "Duration of optimizer passes",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"pass"},
		),
	}
}

func (m *Metrics) observe(r *PassResult) {
	m.Runs.WithLabelValues(r.Pass).Inc()
	m.Changes.WithLabelValues(r.Pass).Add(float64(r.Changed))
	m.Skipped.WithLabelValues(r.Pass).Add(float64(len(r.Skipped)))
	m.Duration.WithLabelValues(r.Pass).Observe(r.Duration.Seconds())
}
