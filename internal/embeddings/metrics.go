package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const embeddingsInstrumentationName = "github.com/fyrsmithlabs/patternd/internal/embeddings"

// Metrics holds embedding and cache instruments.
type Metrics struct {
	meter       metric.Meter
	logger      *zap.Logger
	duration    metric.Float64Histogram
	errors      metric.Int64Counter
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(embeddingsInstrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"patternd.embedding.duration_seconds",
		metric.WithDescription("Duration of provider embedding calls, labeled by model"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"patternd.embedding.errors_total",
		metric.WithDescription("Provider embedding failures, after retry"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.cacheHits, err = m.meter.Int64Counter(
		"patternd.embedding.cache_hits_total",
		metric.WithDescription("Embedding cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache hit counter", zap.Error(err))
	}

	m.cacheMisses, err = m.meter.Int64Counter(
		"patternd.embedding.cache_misses_total",
		metric.WithDescription("Embedding cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache miss counter", zap.Error(err))
	}
}

// RecordGeneration records one provider call.
func (m *Metrics) RecordGeneration(ctx context.Context, model string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordCache records a cache lookup.
func (m *Metrics) RecordCache(ctx context.Context, hit bool) {
	switch {
	case hit && m.cacheHits != nil:
		m.cacheHits.Add(ctx, 1)
	case !hit && m.cacheMisses != nil:
		m.cacheMisses.Add(ctx, 1)
	}
}
