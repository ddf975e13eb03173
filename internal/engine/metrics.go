package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the event pipeline.
//
// Metrics:
//   - patternd_events_total{direction,step} - processed events by outcome step
//   - patternd_event_duration_seconds{direction} - end-to-end handling latency
//   - patternd_confirmations_total{result} - confirmed, declined, abandoned, expired
//   - patternd_conversation_escalations_total{reason} - conversations handed to a human
type Metrics struct {
	Events        *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	Confirmations *prometheus.CounterVec
	Escalations   *prometheus.CounterVec
}

// NewMetrics registers the metrics on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternd_events_total",
				Help: "Total number of message events processed",
			},
			[]string{"direction", "step"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patternd_event_duration_seconds",
				Help:    "Message event handling latency",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"direction"},
		),
		Confirmations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternd_confirmations_total",
				Help: "Total number of resolved action confirmations",
			},
			[]string{"result"},
		),
		Escalations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternd_conversation_escalations_total",
				Help: "Total number of conversations handed to a human",
			},
			[]string{"reason"},
		),
	}
}
