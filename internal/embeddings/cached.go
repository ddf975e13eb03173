package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CachedEmbedderConfig configures a CachedEmbedder.
type CachedEmbedderConfig struct {
	// Model is mixed into the cache key so a model change never serves stale vectors.
	Model string

	// Timeout bounds each provider attempt. Default 2s.
	Timeout time.Duration

	// RetryBackoff is the pause before the single retry. Default 100ms.
	RetryBackoff time.Duration
}

// CachedEmbedder memoizes provider calls. Embedding is an idempotent read, so
// a failed call is retried once with backoff before the error is returned.
type CachedEmbedder struct {
	provider Provider
	cache    Cache
	metrics  *Metrics
	cfg      CachedEmbedderConfig
	logger   *zap.Logger
}

// NewCachedEmbedder wraps provider. A nil cache disables caching; nil metrics
// uses the global meter provider.
func NewCachedEmbedder(provider Provider, cache Cache, metrics *Metrics, cfg CachedEmbedderConfig, logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(logger)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &CachedEmbedder{
		provider: provider,
		cache:    cache,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// CacheKey returns the cache key for text under model.
func CacheKey(model, text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(model + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// Embed returns the vector for text, consulting the cache first.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	key := CacheKey(e.cfg.Model, text)

	if e.cache != nil {
		if vec, ok := e.cache.Get(ctx, key); ok {
			e.metrics.RecordCache(ctx, true)
			return vec, nil
		}
		e.metrics.RecordCache(ctx, false)
	}

	vec, err := e.embedWithRetry(ctx, text)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, key, vec)
	}
	return vec, nil
}

// Dimension returns the provider's dimension.
func (e *CachedEmbedder) Dimension() int {
	return e.provider.Dimension()
}

// Close closes the provider.
func (e *CachedEmbedder) Close() error {
	return e.provider.Close()
}

func (e *CachedEmbedder) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			e.logger.Debug("retrying embedding", zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.cfg.RetryBackoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		start := time.Now()
		vec, err := e.provider.Embed(attemptCtx, text)
		cancel()
		if err == nil && len(vec) == 0 {
			err = fmt.Errorf("%w: empty vector", ErrEmbeddingFailed)
		}
		if err == nil {
			e.metrics.RecordGeneration(ctx, e.cfg.Model, time.Since(start), nil)
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	e.metrics.RecordGeneration(ctx, e.cfg.Model, 0, lastErr)
	return nil, fmt.Errorf("embedding after retry: %w", lastErr)
}
