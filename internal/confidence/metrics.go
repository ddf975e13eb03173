package confidence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for confidence evolution.
//
// Metrics:
//   - patternd_confidence_updates_total{outcome} - applied outcome updates
//   - patternd_confidence_cas_conflicts_total - version conflicts retried
//   - patternd_confidence_clamps_total - updates clamped into [0,1]
//   - patternd_auto_executable_transitions_total{direction} - promote/demote events
type Metrics struct {
	Updates     *prometheus.CounterVec
	Conflicts   prometheus.Counter
	Clamps      prometheus.Counter
	Transitions *prometheus.CounterVec
}

// NewMetrics registers the metrics on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Updates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternd_confidence_updates_total",
				Help: "Total number of confidence updates applied",
			},
			[]string{"outcome"}, // success, modified, failure, decay
		),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "patternd_confidence_cas_conflicts_total",
			Help: "Total number of compare-and-swap conflicts retried",
		}),
		Clamps: f.NewCounter(prometheus.CounterOpts{
			Name: "patternd_confidence_clamps_total",
			Help: "Total number of confidence values clamped into [0,1]",
		}),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternd_auto_executable_transitions_total",
				Help: "Total number of auto-executable promotions and demotions",
			},
			[]string{"direction"}, // promote, demote
		),
	}
}
