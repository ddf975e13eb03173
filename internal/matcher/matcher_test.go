package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/internal/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.vecs[text]
	if !ok {
		return nil, errors.New("no vector")
	}
	return v, nil
}

// bruteIndex scores every stored vector with vectorindex.Cosine.
type bruteIndex struct {
	vecs map[string][]float32
	err  error
}

func newBruteIndex() *bruteIndex { return &bruteIndex{vecs: map[string][]float32{}} }

func (b *bruteIndex) Upsert(_ context.Context, id string, vec []float32, _ map[string]string) error {
	b.vecs[id] = vec
	return nil
}

func (b *bruteIndex) Delete(_ context.Context, id string) error {
	delete(b.vecs, id)
	return nil
}

func (b *bruteIndex) Search(_ context.Context, vec []float32, k int, minScore float64) ([]vectorindex.Hit, error) {
	if b.err != nil {
		return nil, b.err
	}
	var hits []vectorindex.Hit
	for id, v := range b.vecs {
		if s := vectorindex.Cosine(vec, v); s >= minScore {
			hits = append(hits, vectorindex.Hit{ID: id, Score: s})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (b *bruteIndex) Count(context.Context) (int, error) { return len(b.vecs), nil }
func (b *bruteIndex) Close() error                       { return nil }

type fixture struct {
	store    *store.MemoryStore
	index    *bruteIndex
	embedder *fakeEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		store:    store.NewMemoryStore(),
		index:    newBruteIndex(),
		embedder: &fakeEmbedder{vecs: map[string][]float32{}},
	}
}

func (f *fixture) add(t *testing.T, sig string, conf float64, vec []float32) *pattern.Pattern {
	t.Helper()
	p := pattern.New(sig, sig, "reply for "+sig, conf)
	p.Embedding = vec
	require.NoError(t, f.store.Create(context.Background(), p))
	if vec != nil {
		require.NoError(t, f.index.Upsert(context.Background(), p.ID, vec, nil))
	}
	return p
}

func (f *fixture) matcher(opts Options) *Matcher {
	return New(f.store, f.embedder, f.index, opts)
}

func TestMatch_ExactOutranksSemantic(t *testing.T) {
	f := newFixture(t)
	exact := f.add(t, "sig-exact", 0.6, []float32{0.6, 0.8})
	near := f.add(t, "sig-near", 0.99, []float32{1, 0})
	f.embedder.vecs["bay 3 is frozen"] = []float32{1, 0}

	res, err := f.matcher(Options{}).Match(context.Background(), Query{Signature: "sig-exact", Text: "bay 3 is frozen"})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)

	assert.Equal(t, exact.ID, res.Candidates[0].Pattern.ID)
	assert.Equal(t, MatchExact, res.Candidates[0].MatchType)
	assert.Equal(t, 1.0, res.Candidates[0].Score)
	assert.Equal(t, near.ID, res.Candidates[1].Pattern.ID)
	assert.Equal(t, MatchSemantic, res.Candidates[1].MatchType)
	assert.False(t, res.Degraded)
	assert.NotNil(t, res.Embedding)
}

func TestMatch_ExactNotDuplicatedBySemantic(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "sig", 0.5, []float32{1, 0})
	f.embedder.vecs["text"] = []float32{1, 0}

	res, err := f.matcher(Options{}).Match(context.Background(), Query{Signature: "sig", Text: "text"})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, p.ID, res.Candidates[0].Pattern.ID)
	assert.Equal(t, MatchExact, res.Candidates[0].MatchType)
}

func TestMatch_SemanticThresholdAndRanking(t *testing.T) {
	f := newFixture(t)
	q := f.add(t, "q", 0.60, []float32{0.81, 0.5863})
	f.add(t, "far", 0.99, []float32{0, 1})
	f.embedder.vecs["screen black"] = []float32{1, 0}

	res, err := f.matcher(Options{}).Match(context.Background(), Query{Signature: "none", Text: "screen black"})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, q.ID, res.Candidates[0].Pattern.ID)
	assert.InDelta(t, 0.81, res.Candidates[0].Score, 0.001)
}

func TestMatch_TieBreakByConfidenceThenID(t *testing.T) {
	f := newFixture(t)
	low := f.add(t, "low", 0.5, []float32{1, 0})
	high := f.add(t, "high", 0.9, []float32{1, 0})
	other := f.add(t, "other", 0.9, []float32{1, 0})
	f.embedder.vecs["x"] = []float32{1, 0}

	res, err := f.matcher(Options{}).Match(context.Background(), Query{Text: "x"})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)

	firstTwo := []string{high.ID, other.ID}
	sort.Strings(firstTwo)
	assert.Equal(t, firstTwo[0], res.Candidates[0].Pattern.ID)
	assert.Equal(t, firstTwo[1], res.Candidates[1].Pattern.ID)
	assert.Equal(t, low.ID, res.Candidates[2].Pattern.ID)
}

func TestMatch_TopK(t *testing.T) {
	f := newFixture(t)
	for _, sig := range []string{"a", "b", "c", "d", "e"} {
		f.add(t, sig, 0.5, []float32{1, 0})
	}
	f.embedder.vecs["x"] = []float32{1, 0}

	res, err := f.matcher(Options{TopK: 2}).Match(context.Background(), Query{Text: "x"})
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 2)
}

func TestMatch_FiltersUnmatchableAndMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	disabled := f.add(t, "disabled", 0.9, []float32{1, 0})
	off := false
	_, err := f.store.UpdateTemplates(ctx, disabled.ID, store.TemplateUpdate{Enabled: &off})
	require.NoError(t, err)

	require.NoError(t, f.index.Upsert(ctx, "6f1c1f6e-1d0a-4d1c-9a53-000000000000", []float32{1, 0}, nil))
	live := f.add(t, "live", 0.5, []float32{0.9, 0.1})
	f.embedder.vecs["x"] = []float32{1, 0}

	res, err := f.matcher(Options{}).Match(ctx, Query{Signature: "disabled", Text: "x"})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, live.ID, res.Candidates[0].Pattern.ID)
}

type countingIndex struct {
	*bruteIndex
	ks []int
}

func (c *countingIndex) Search(ctx context.Context, vec []float32, k int, minScore float64) ([]vectorindex.Hit, error) {
	c.ks = append(c.ks, k)
	return c.bruteIndex.Search(ctx, vec, k, minScore)
}

func TestMatch_WidensPastDisabledNeighbours(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	off := false
	for i := 0; i < 10; i++ {
		p := f.add(t, fmt.Sprintf("disabled-%d", i), 0.9, []float32{1, 0})
		_, err := f.store.UpdateTemplates(ctx, p.ID, store.TemplateUpdate{Enabled: &off})
		require.NoError(t, err)
	}
	first := f.add(t, "live-1", 0.5, []float32{0.9, 0.1})
	second := f.add(t, "live-2", 0.5, []float32{0.8, 0.2})
	f.embedder.vecs["x"] = []float32{1, 0}

	t.Run("finds matchable patterns behind the crowd", func(t *testing.T) {
		idx := &countingIndex{bruteIndex: f.index}
		res, err := New(f.store, f.embedder, idx, Options{TopK: 2}).Match(ctx, Query{Text: "x"})
		require.NoError(t, err)
		require.Len(t, res.Candidates, 2)
		assert.Equal(t, first.ID, res.Candidates[0].Pattern.ID)
		assert.Equal(t, second.ID, res.Candidates[1].Pattern.ID)
		assert.Equal(t, []int{5, 10, 20}, idx.ks)
	})

	t.Run("stops once the index is exhausted", func(t *testing.T) {
		idx := &countingIndex{bruteIndex: f.index}
		res, err := New(f.store, f.embedder, idx, Options{TopK: 3}).Match(ctx, Query{Text: "x"})
		require.NoError(t, err)
		assert.Len(t, res.Candidates, 2)
		assert.Equal(t, []int{7, 14}, idx.ks)
	})

	t.Run("bounded by MaxSearch", func(t *testing.T) {
		idx := &countingIndex{bruteIndex: f.index}
		res, err := New(f.store, f.embedder, idx, Options{TopK: 2, MaxSearch: 8}).Match(ctx, Query{Text: "x"})
		require.NoError(t, err)
		assert.Empty(t, res.Candidates)
		assert.Equal(t, []int{5, 8}, idx.ks)
	})
}

func TestMatch_EmbeddingFailureFallsBackToExact(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "sig", 0.97, []float32{1, 0})
	f.embedder.err = errors.New("connection refused")

	m := f.matcher(Options{})

	res, err := m.Match(context.Background(), Query{Signature: "sig", Text: "x"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, p.ID, res.Candidates[0].Pattern.ID)

	res, err = m.Match(context.Background(), Query{Signature: "unknown", Text: "x"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	_, ok := res.Best()
	assert.False(t, ok, "no candidate, caller escalates")
}

func TestMatch_IndexFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.embedder.vecs["x"] = []float32{1, 0}
	f.index.err = errors.New("index offline")

	res, err := f.matcher(Options{}).Match(context.Background(), Query{Text: "x"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Candidates)
}

func TestMatch_NoSemanticBackends(t *testing.T) {
	f := newFixture(t)
	f.add(t, "sig", 0.5, nil)

	res, err := New(f.store, nil, nil, Options{}).Match(context.Background(), Query{Signature: "sig", Text: "x"})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Len(t, res.Candidates, 1)
}

func TestMatch_StoreErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	_, err := f.matcher(Options{}).Match(context.Background(), Query{Signature: "sig", Text: "x"})
	assert.ErrorIs(t, err, store.ErrClosed)
}
