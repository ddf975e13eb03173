package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("patternd.vectorindex.chromem")

// ChromemConfig configures the embedded index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the index in memory.
	Path string

	// Collection name. Default "patterns".
	Collection string

	// Compress enables gzip compression of persisted documents.
	Compress bool
}

// ChromemIndex is an embedded index backed by chromem-go. Documents carry
// precomputed embeddings, so chromem never calls an embedding function.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
}

// NewChromemIndex opens or creates the index.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "patterns"
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, noEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem index initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", collection.Count()),
	)
	return &ChromemIndex{db: db, collection: collection, logger: logger}, nil
}

// noEmbeddingFunc is installed on the collection so a missing embedding is an
// error rather than a silent network call.
func noEmbeddingFunc(context.Context, string) ([]float32, error) {
	return nil, errors.New("vectorindex: documents must carry precomputed embeddings")
}

// Upsert adds or replaces the document for id.
func (c *ChromemIndex) Upsert(ctx context.Context, id string, vec []float32, meta map[string]string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()

	if len(vec) == 0 {
		return ErrEmptyVector
	}
	// chromem normalizes in place.
	emb := append([]float32(nil), vec...)
	doc := chromem.Document{
		ID:        id,
		Metadata:  meta,
		Embedding: emb,
		Content:   id,
	}
	if err := c.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding document %s: %w", id, err)
	}
	return nil
}

// Delete removes the document for id.
func (c *ChromemIndex) Delete(ctx context.Context, id string) error {
	if err := c.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return nil
}

// Search queries by embedding.
func (c *ChromemIndex) Search(ctx context.Context, vec []float32, k int, minScore float64) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()

	if len(vec) == 0 {
		return nil, ErrEmptyVector
	}
	// chromem requires nResults <= document count.
	n := c.collection.Count()
	if n == 0 || k <= 0 {
		return []Hit{}, nil
	}
	if k > n {
		k = n
	}

	query := append([]float32(nil), vec...)
	results, err := c.collection.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if score < minScore {
			continue
		}
		hits = append(hits, Hit{ID: r.ID, Score: score})
	}
	span.SetAttributes(attribute.Int("k", k), attribute.Int("hits", len(hits)))
	return hits, nil
}

// Count returns the number of documents.
func (c *ChromemIndex) Count(context.Context) (int, error) {
	return c.collection.Count(), nil
}

// Close is a no-op; persistent chromem writes through on every change.
func (c *ChromemIndex) Close() error {
	return nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Clean(path), nil
}
