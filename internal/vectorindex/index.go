// Package vectorindex provides nearest-neighbor search over pattern trigger
// embeddings.
//
// The index is a derived structure. The pattern store holds the authoritative
// embedding for every pattern, and Rebuild repopulates an index from it at
// startup, so an index can be lost or swapped without data loss.
//
// Two backends are provided: ChromemIndex (embedded, default) and QdrantIndex
// (external, for deployments that already run Qdrant).
package vectorindex

import (
	"context"
	"errors"
	"math"
)

var (
	// ErrInvalidConfig indicates invalid index configuration.
	ErrInvalidConfig = errors.New("invalid vector index configuration")

	// ErrEmptyVector indicates a missing or zero-length vector.
	ErrEmptyVector = errors.New("empty vector")
)

// Hit is a search result. Score is cosine similarity in [-1,1].
type Hit struct {
	ID    string
	Score float64
}

// Index stores one vector per pattern id.
type Index interface {
	// Upsert inserts or replaces the vector for id.
	Upsert(ctx context.Context, id string, vec []float32, meta map[string]string) error

	// Delete removes id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Search returns up to k hits with score >= minScore, best first.
	Search(ctx context.Context, vec []float32, k int, minScore float64) ([]Hit, error)

	// Count returns the number of indexed vectors.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// empty, zero, or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
