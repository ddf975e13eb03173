// Package matcher finds candidate patterns for an incoming message.
//
// Matching is hybrid. An exact signature hit always ranks first with score
// 1.0. Semantic neighbours from the vector index follow, ordered by cosine
// similarity, then confidence, then id. When the embedding provider fails the
// semantic step is skipped and the result is marked Degraded; that is never an
// error.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/internal/vectorindex"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("patternd.matcher")

// MatchType says how a candidate was found.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchSemantic MatchType = "semantic"
)

// Candidate is one ranked match.
type Candidate struct {
	Pattern   *pattern.Pattern
	Score     float64
	MatchType MatchType
}

// Result is the ranked candidate list.
type Result struct {
	Candidates []Candidate

	// Embedding is the message vector when it was computed.
	Embedding []float32

	// Degraded is true when the semantic step was skipped because the
	// embedding provider failed.
	Degraded bool
}

// Best returns the top candidate.
func (r *Result) Best() (Candidate, bool) {
	if r == nil || len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

// Query is the matcher input.
type Query struct {
	Signature string

	// Text is the normalized message text that gets embedded.
	Text string
}

// Patterns is the store slice the matcher reads.
type Patterns interface {
	Get(ctx context.Context, id string) (*pattern.Pattern, error)
	GetBySignature(ctx context.Context, signature string) (*pattern.Pattern, error)
}

// Embedder produces message vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options tunes matching.
type Options struct {
	// Threshold is the minimum cosine similarity for semantic candidates. Default 0.75.
	Threshold float64

	// TopK caps the returned candidates. Default 3.
	TopK int

	// MaxSearch caps how many index hits one match inspects while skipping
	// disabled or deprecated patterns. Default 16 * TopK.
	MaxSearch int

	// SkipSemanticOnExact disables the semantic step when an exact hit exists.
	SkipSemanticOnExact bool

	Logger *zap.Logger
}

// Matcher runs hybrid matching. Safe for concurrent use.
type Matcher struct {
	patterns Patterns
	embedder Embedder
	index    vectorindex.Index
	opts     Options
	logger   *zap.Logger
}

// New creates a Matcher. A nil embedder or index disables semantic matching.
func New(patterns Patterns, embedder Embedder, index vectorindex.Index, opts Options) *Matcher {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.75
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.MaxSearch < opts.TopK+1 {
		opts.MaxSearch = 16 * opts.TopK
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{patterns: patterns, embedder: embedder, index: index, opts: opts, logger: logger}
}

// Match returns ranked candidates. Only store failures are returned as errors.
func (m *Matcher) Match(ctx context.Context, q Query) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Matcher.Match")
	defer span.End()

	res := &Result{}
	var exact *pattern.Pattern

	if q.Signature != "" {
		p, err := m.patterns.GetBySignature(ctx, q.Signature)
		switch {
		case err == nil && p.Matchable():
			exact = p
			res.Candidates = append(res.Candidates, Candidate{Pattern: p, Score: 1.0, MatchType: MatchExact})
		case err == nil, errors.Is(err, store.ErrNotFound):
		default:
			span.RecordError(err)
			return nil, fmt.Errorf("exact lookup: %w", err)
		}
	}

	if m.embedder == nil || m.index == nil || q.Text == "" || (exact != nil && m.opts.SkipSemanticOnExact) {
		span.SetAttributes(attribute.Int("candidates", len(res.Candidates)))
		return res, nil
	}

	vec, err := m.embedder.Embed(ctx, q.Text)
	if err != nil {
		m.logger.Warn("embedding unavailable, falling back to exact match only", zap.Error(err))
		res.Degraded = true
		span.SetAttributes(attribute.Bool("degraded", true))
		return res, nil
	}
	res.Embedding = vec

	semantic, err := m.semantic(ctx, vec, exact)
	if err != nil {
		// The index is derived state; losing it degrades matching like a provider outage.
		m.logger.Warn("vector search failed, falling back to exact match only", zap.Error(err))
		res.Degraded = true
		return res, nil
	}
	res.Candidates = append(res.Candidates, semantic...)
	if len(res.Candidates) > m.opts.TopK {
		res.Candidates = res.Candidates[:m.opts.TopK]
	}

	span.SetAttributes(
		attribute.Int("candidates", len(res.Candidates)),
		attribute.Bool("exact", exact != nil),
	)
	return res, nil
}

// semantic searches the index, widening the search while ineligible hits
// crowd out TopK matchable patterns and the index still has more to give.
func (m *Matcher) semantic(ctx context.Context, vec []float32, exact *pattern.Pattern) ([]Candidate, error) {
	seen := map[string]bool{}
	if exact != nil {
		seen[exact.ID] = true
	}
	var out []Candidate
	for k := 2*m.opts.TopK + 1; ; k *= 2 {
		if k > m.opts.MaxSearch {
			k = m.opts.MaxSearch
		}
		hits, err := m.index.Search(ctx, vec, k, m.opts.Threshold)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if seen[h.ID] || h.Score < m.opts.Threshold {
				continue
			}
			seen[h.ID] = true
			p, err := m.patterns.Get(ctx, h.ID)
			if errors.Is(err, store.ErrNotFound) {
				m.logger.Debug("dropping index hit for missing pattern", zap.String("pattern.id", h.ID))
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("loading pattern %s: %w", h.ID, err)
			}
			if !p.Matchable() {
				continue
			}
			out = append(out, Candidate{Pattern: p, Score: h.Score, MatchType: MatchSemantic})
		}
		if len(out) >= m.opts.TopK || len(hits) < k || k >= m.opts.MaxSearch {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Pattern.Confidence != b.Pattern.Confidence {
			return a.Pattern.Confidence > b.Pattern.Confidence
		}
		return a.Pattern.ID < b.Pattern.ID
	})
	return out, nil
}
