package vectorindex

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"go.uber.org/zap"
)

// PatternLister is the slice of the store Rebuild needs.
type PatternLister interface {
	List(ctx context.Context, f store.ListFilter) ([]*pattern.Pattern, error)
}

// Meta returns the metadata stored alongside a pattern's vector.
func Meta(p *pattern.Pattern) map[string]string {
	return map[string]string{"category": string(p.Category)}
}

// Rebuild loads every matchable pattern that has an embedding into idx and
// removes patterns that are no longer matchable. It returns the number indexed.
func Rebuild(ctx context.Context, src PatternLister, idx Index, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	const pageSize = 500

	indexed := 0
	for offset := 0; ; offset += pageSize {
		page, err := src.List(ctx, store.ListFilter{WithEmbedding: true, Limit: pageSize, Offset: offset})
		if err != nil {
			return indexed, fmt.Errorf("listing patterns: %w", err)
		}
		for _, p := range page {
			if !p.Matchable() {
				if err := idx.Delete(ctx, p.ID); err != nil {
					logger.Warn("removing stale pattern from index", zap.String("pattern.id", p.ID), zap.Error(err))
				}
				continue
			}
			if err := idx.Upsert(ctx, p.ID, p.Embedding, Meta(p)); err != nil {
				return indexed, fmt.Errorf("indexing pattern %s: %w", p.ID, err)
			}
			indexed++
		}
		if len(page) < pageSize {
			break
		}
	}

	logger.Info("vector index rebuilt", zap.Int("patterns", indexed))
	return indexed, nil
}
