package optimizer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/confidence"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/internal/vectorindex"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.MemoryStore
	index *vectorindex.ChromemIndex
	opt   *Optimizer
	m     *Metrics
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	idx, err := vectorindex.NewChromemIndex(vectorindex.ChromemConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	eng := confidence.New(st, confidence.Options{})
	opts.Metrics = NewMetrics(nil)
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0 }
	}
	o, err := New(st, eng, idx, opts)
	require.NoError(t, err)
	return &fixture{store: st, index: idx, opt: o, m: opts.Metrics}
}

type spec struct {
	sig      string
	tmpl     string
	conf     float64
	vec      []float32
	category pattern.Category
	created  time.Time
	gold     bool
}

func (f *fixture) add(t *testing.T, s spec) *pattern.Pattern {
	t.Helper()
	p := pattern.New(s.sig, s.sig, s.tmpl, s.conf)
	p.Embedding = s.vec
	if s.category != "" {
		p.Category = s.category
	}
	if !s.created.IsZero() {
		p.CreatedAt = s.created
	}
	p.FromGoldStandard = s.gold
	require.NoError(t, f.store.Create(context.Background(), p))
	if s.vec != nil {
		require.NoError(t, f.index.Upsert(context.Background(), p.ID, s.vec, nil))
	}
	return p
}

func (f *fixture) get(t *testing.T, id string) *pattern.Pattern {
	t.Helper()
	p, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestNew_Defaults(t *testing.T) {
	o, err := New(store.NewMemoryStore(), confidence.New(store.NewMemoryStore(), confidence.Options{}), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, o.opts.DecayWindow)
	assert.Equal(t, 0.92, o.opts.MergeThreshold)
	assert.Equal(t, 0.2, o.opts.ExperimentFraction)
	assert.Equal(t, int64(30), o.opts.MinSamples)
	assert.Equal(t, int64(300), o.opts.MaxSamples)

	_, err = New(nil, nil, nil, Options{})
	assert.Error(t, err)
}

func TestDecayPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	stale := f.add(t, spec{sig: "stale", tmpl: "a", conf: 0.5, created: t0.Add(-40 * 24 * time.Hour)})
	fresh := f.add(t, spec{sig: "fresh", tmpl: "b", conf: 0.5, created: t0.Add(-40 * 24 * time.Hour)})
	require.NoError(t, f.store.MarkUsed(ctx, fresh.ID, t0.Add(-time.Hour)))
	recent := f.add(t, spec{sig: "recent", tmpl: "c", conf: 0.5, created: t0.Add(-time.Hour)})

	res, err := f.opt.DecayPass(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, PassDecay, res.Pass)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Changed)
	assert.Empty(t, res.Skipped)

	assert.InDelta(t, 0.49, f.get(t, stale.ID).Confidence, 1e-9)
	assert.InDelta(t, 0.5, f.get(t, fresh.ID).Confidence, 1e-9)
	assert.InDelta(t, 0.5, f.get(t, recent.ID).Confidence, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.Runs.WithLabelValues(PassDecay)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.Changes.WithLabelValues(PassDecay)))
}

type failingDecayer struct {
	inner Decayer
	fail  string
}

func (d failingDecayer) Decay(ctx context.Context, id string, now time.Time) (*pattern.Pattern, bool, error) {
	if id == d.fail {
		return nil, false, errors.New("store unavailable")
	}
	return d.inner.Decay(ctx, id, now)
}

func TestDecayPass_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	old := t0.Add(-60 * 24 * time.Hour)

	a := pattern.New("a", "a", "A", 0.5)
	a.CreatedAt = old
	b := pattern.New("b", "b", "B", 0.5)
	b.CreatedAt = old.Add(time.Second)
	require.NoError(t, st.Create(ctx, a))
	require.NoError(t, st.Create(ctx, b))

	core, logs := observer.New(zap.WarnLevel)
	o, err := New(st, failingDecayer{inner: confidence.New(st, confidence.Options{}), fail: a.ID}, nil,
		Options{Logger: zap.New(core)})
	require.NoError(t, err)

	res, err := o.DecayPass(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Changed)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, a.ID, res.Skipped[0].ID)
	assert.Contains(t, res.Skipped[0].Err, "store unavailable")
	assert.Equal(t, 1, logs.FilterMessage("optimizer skipped item").Len())

	got, err := st.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.49, got.Confidence, 1e-9)
}

func TestDecayPass_UsesEngineWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	th := pattern.DefaultThresholds()
	th.DecayWindow = 7 * 24 * time.Hour
	eng := confidence.New(st, confidence.Options{Thresholds: th})

	p := pattern.New("quiet", "quiet", "Q", 0.6)
	p.CreatedAt = t0.Add(-10 * 24 * time.Hour)
	require.NoError(t, st.Create(ctx, p))

	o, err := New(st, eng, nil, Options{Metrics: NewMetrics(nil)})
	require.NoError(t, err)
	assert.Equal(t, th.DecayWindow, o.opts.DecayWindow)

	res, err := o.DecayPass(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Changed)

	got, err := st.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.59, got.Confidence, 1e-9)
}

func TestMergePass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	canon := f.add(t, spec{sig: "frozen-1", tmpl: "Resetting bay {{bay}} now.", conf: 0.9, vec: []float32{1, 0, 0}, category: pattern.CategoryTechnical})
	dup := f.add(t, spec{sig: "frozen-2", tmpl: "Restarting bay {{bay}}, one moment.", conf: 0.6, vec: []float32{0.99, 0.05, 0}, category: pattern.CategoryTechnical})
	otherCategory := f.add(t, spec{sig: "frozen-3", tmpl: "Bay {{bay}} fixed.", conf: 0.5, vec: []float32{0.99, 0.04, 0}, category: pattern.CategoryBooking})
	otherVars := f.add(t, spec{sig: "frozen-4", tmpl: "Resetting bay {{bay}} at {{location}}.", conf: 0.5, vec: []float32{0.99, 0.03, 0}, category: pattern.CategoryTechnical})
	far := f.add(t, spec{sig: "hours", tmpl: "We open at 9.", conf: 0.5, vec: []float32{0, 0, 1}, category: pattern.CategoryTechnical})

	rec := pattern.NewExecutionRecord(dup.ID, "conv-1", pattern.ActionTakenSent, 0.6)
	require.NoError(t, f.store.RecordExecution(ctx, rec))

	res, err := f.opt.MergePass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	assert.Empty(t, res.Skipped)

	d := f.get(t, dup.ID)
	assert.Equal(t, canon.ID, d.MergedInto)
	assert.Equal(t, pattern.StatusDeprecated, d.Status)
	assert.True(t, f.get(t, canon.ID).Matchable())

	for _, id := range []string{otherCategory.ID, otherVars.ID, far.ID} {
		assert.Empty(t, f.get(t, id).MergedInto, id)
	}

	moved, err := f.store.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, canon.ID, moved.PatternID, "execution history follows the canonical pattern")

	n, err := f.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestMergePass_GoldStandardWinsTie(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	older := f.add(t, spec{sig: "a", tmpl: "Hello {{name}}", conf: 0.7, vec: []float32{1, 0}, created: t0.Add(-time.Hour)})
	gold := f.add(t, spec{sig: "b", tmpl: "Hi {{name}}", conf: 0.7, vec: []float32{1, 0.01}, created: t0, gold: true})

	_, err := f.opt.MergePass(ctx)
	require.NoError(t, err)

	assert.Equal(t, gold.ID, f.get(t, older.ID).MergedInto)
	assert.Empty(t, f.get(t, gold.ID).MergedInto)
}

func TestMergePass_ActionTypeMustMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	text := f.add(t, spec{sig: "a", tmpl: "Resetting bay {{bay}}", conf: 0.9, vec: []float32{1, 0}})
	withAction := pattern.New("b", "b", "Resetting bay {{bay}}", 0.5)
	withAction.Embedding = []float32{1, 0}
	withAction.Action = &pattern.Action{
		Type:        pattern.ActionResetDevice,
		ResetDevice: &pattern.ResetDeviceParams{Location: "bay {{bay}}"},
	}
	require.NoError(t, f.store.Create(ctx, withAction))

	res, err := f.opt.MergePass(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Changed)
	assert.Empty(t, f.get(t, withAction.ID).MergedInto)
	assert.Empty(t, f.get(t, text.ID).MergedInto)
}

type flakyMergeStore struct {
	*store.MemoryStore
	fail string
}

func (s *flakyMergeStore) MergeInto(ctx context.Context, canonicalID, duplicateID string) error {
	if duplicateID == s.fail {
		return fmt.Errorf("merge %s: %w", duplicateID, store.ErrVersionConflict)
	}
	return s.MemoryStore.MergeInto(ctx, canonicalID, duplicateID)
}

func TestMergePass_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mk := func(sig string, conf float64) *pattern.Pattern {
		p := pattern.New(sig, sig, "Resetting bay {{bay}}", conf)
		p.Embedding = []float32{1, 0}
		require.NoError(t, mem.Create(ctx, p))
		return p
	}
	canon := mk("a", 0.9)
	bad := mk("b", 0.8)
	good := mk("c", 0.7)

	o, err := New(&flakyMergeStore{MemoryStore: mem, fail: bad.ID}, confidence.New(mem, confidence.Options{}), nil, Options{})
	require.NoError(t, err)

	res, err := o.MergePass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, bad.ID, res.Skipped[0].ID)

	g, err := mem.Get(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, canon.ID, g.MergedInto)
}

func TestMergePass_SkipsMalformedTemplate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	bad := f.add(t, spec{sig: "a", tmpl: "Resetting bay {{bay", conf: 0.9, vec: []float32{1, 0}})
	f.add(t, spec{sig: "b", tmpl: "Resetting bay", conf: 0.5, vec: []float32{1, 0}})

	res, err := f.opt.MergePass(ctx)
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, bad.ID, res.Skipped[0].ID)
	assert.Zero(t, res.Changed)
}

func TestAssign(t *testing.T) {
	assert.Equal(t, Assign("exp", "conv-1", 0.3), Assign("exp", "conv-1", 0.3), "stable per conversation")
	assert.Equal(t, pattern.VariantControl, Assign("exp", "conv-1", 0))
	assert.Equal(t, pattern.VariantChallenger, Assign("exp", "conv-1", 1))

	challengers := 0
	const n = 10000
	for i := 0; i < n; i++ {
		if Assign("exp", fmt.Sprintf("conv-%d", i), 0.2) == pattern.VariantChallenger {
			challengers++
		}
	}
	assert.InDelta(t, 0.2, float64(challengers)/n, 0.02)
}

func TestStartExperiment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{ExperimentFraction: 0.5})
	p := f.add(t, spec{sig: "a", tmpl: "Resetting bay {{bay}}.", conf: 0.8})

	e, err := f.opt.StartExperiment(ctx, p.ID, "Bay {{bay}} is restarting, give it a minute.")
	require.NoError(t, err)
	assert.True(t, e.Active)
	assert.Equal(t, 0.5, e.Fraction)
	assert.Equal(t, t0, e.StartedAt)
	assert.Equal(t, p.ResponseTemplate, e.Control.ResponseTemplate)

	_, err = f.opt.StartExperiment(ctx, p.ID, "Another one {{bay}}")
	assert.Error(t, err, "one experiment per pattern")

	q := f.add(t, spec{sig: "b", tmpl: "x", conf: 0.8})
	_, err = f.opt.StartExperiment(ctx, q.ID, "x")
	assert.Error(t, err, "challenger must differ")
	_, err = f.opt.StartExperiment(ctx, q.ID, "broken {{")
	assert.Error(t, err)
	_, err = f.opt.StartExperiment(ctx, "missing", "y")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPickVariant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{ExperimentFraction: 0.5})
	p := f.add(t, spec{sig: "a", tmpl: "control {{bay}}", conf: 0.8})

	_, _, ok := f.opt.PickVariant(ctx, p.ID, "conv-1")
	assert.False(t, ok)

	e, err := f.opt.StartExperiment(ctx, p.ID, "challenger {{bay}}")
	require.NoError(t, err)

	seen := map[string]string{}
	for i := 0; i < 50; i++ {
		conv := fmt.Sprintf("conv-%d", i)
		name, tmpl, ok := f.opt.PickVariant(ctx, p.ID, conv)
		require.True(t, ok)
		assert.Equal(t, Assign(e.ID, conv, 0.5), name)
		seen[name] = tmpl
	}
	assert.Equal(t, "control {{bay}}", seen[pattern.VariantControl])
	assert.Equal(t, "challenger {{bay}}", seen[pattern.VariantChallenger])
}

func recordTrials(t *testing.T, o *Optimizer, patternID, variant string, successes, failures int) {
	t.Helper()
	for i := 0; i < successes+failures; i++ {
		rec := &pattern.ExecutionRecord{PatternID: patternID, Variant: variant}
		outcome := pattern.OutcomeFailure
		if i < successes {
			outcome = pattern.OutcomeSuccess
		}
		require.NoError(t, o.RecordVariantOutcome(context.Background(), rec, outcome))
	}
}

func TestRecordVariantOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	p := f.add(t, spec{sig: "a", tmpl: "control", conf: 0.8})

	require.NoError(t, f.opt.RecordVariantOutcome(ctx, &pattern.ExecutionRecord{PatternID: p.ID, Variant: pattern.VariantControl}, pattern.OutcomeSuccess),
		"no experiment is not an error")

	_, err := f.opt.StartExperiment(ctx, p.ID, "challenger")
	require.NoError(t, err)

	require.NoError(t, f.opt.RecordVariantOutcome(ctx, &pattern.ExecutionRecord{PatternID: p.ID, Variant: pattern.VariantChallenger}, pattern.OutcomeModified))
	require.NoError(t, f.opt.RecordVariantOutcome(ctx, &pattern.ExecutionRecord{PatternID: p.ID, Variant: pattern.VariantChallenger}, pattern.OutcomeUnknown))
	require.NoError(t, f.opt.RecordVariantOutcome(ctx, &pattern.ExecutionRecord{PatternID: p.ID}, pattern.OutcomeSuccess))
	require.NoError(t, f.opt.RecordVariantOutcome(ctx, &pattern.ExecutionRecord{PatternID: p.ID, Variant: pattern.VariantControl}, pattern.OutcomeFailure))

	e, err := f.store.ActiveExperiment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pattern.Variant{Name: pattern.VariantChallenger, ResponseTemplate: "challenger", Trials: 1, Successes: 1}, e.Challenger)
	assert.Equal(t, int64(1), e.Control.Trials)
	assert.Zero(t, e.Control.Successes)
}

func TestExperimentPass_PromotesChallenger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MinSamples: 5})
	p := f.add(t, spec{sig: "a", tmpl: "control {{bay}}", conf: 0.8})
	_, err := f.opt.StartExperiment(ctx, p.ID, "challenger {{bay}}")
	require.NoError(t, err)

	recordTrials(t, f.opt, p.ID, pattern.VariantControl, 2, 3)
	recordTrials(t, f.opt, p.ID, pattern.VariantChallenger, 4, 0)

	res, err := f.opt.ExperimentPass(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, res.Changed, "challenger below minimum samples")

	recordTrials(t, f.opt, p.ID, pattern.VariantChallenger, 1, 0)
	res, err = f.opt.ExperimentPass(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)

	assert.Equal(t, "challenger {{bay}}", f.get(t, p.ID).ResponseTemplate)
	_, err = f.store.ActiveExperiment(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, ok := f.opt.PickVariant(ctx, p.ID, "conv-1")
	assert.False(t, ok)
}

func TestExperimentPass_ControlWinsAndInconclusive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MinSamples: 4, MaxSamples: 8})

	losing := f.add(t, spec{sig: "a", tmpl: "control", conf: 0.8})
	_, err := f.opt.StartExperiment(ctx, losing.ID, "challenger")
	require.NoError(t, err)
	recordTrials(t, f.opt, losing.ID, pattern.VariantControl, 4, 0)
	recordTrials(t, f.opt, losing.ID, pattern.VariantChallenger, 1, 3)

	tied := f.add(t, spec{sig: "b", tmpl: "control b", conf: 0.8})
	_, err = f.opt.StartExperiment(ctx, tied.ID, "challenger b")
	require.NoError(t, err)
	recordTrials(t, f.opt, tied.ID, pattern.VariantControl, 2, 2)
	recordTrials(t, f.opt, tied.ID, pattern.VariantChallenger, 2, 2)

	res, err := f.opt.ExperimentPass(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Changed, "tie below max samples keeps running")
	assert.Equal(t, "control", f.get(t, losing.ID).ResponseTemplate)

	recordTrials(t, f.opt, tied.ID, pattern.VariantControl, 2, 2)
	recordTrials(t, f.opt, tied.ID, pattern.VariantChallenger, 2, 2)
	res, err = f.opt.ExperimentPass(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, "control b", f.get(t, tied.ID).ResponseTemplate)

	active, err := f.store.ListActiveExperiments(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestExperimentPass_ClosesOnUnmatchablePattern(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	p := f.add(t, spec{sig: "a", tmpl: "control", conf: 0.8})
	_, err := f.opt.StartExperiment(ctx, p.ID, "challenger")
	require.NoError(t, err)

	off := false
	_, err = f.store.UpdateTemplates(ctx, p.ID, store.TemplateUpdate{Enabled: &off})
	require.NoError(t, err)

	res, err := f.opt.ExperimentPass(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)

	_, err = f.store.ActiveExperiment(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, "control", f.get(t, p.ID).ResponseTemplate)
}

func TestRunAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.add(t, spec{sig: "a", tmpl: "A", conf: 0.5, created: t0.Add(-40 * 24 * time.Hour)})

	results, err := f.opt.RunAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{PassDecay, PassMerge, PassExperiment},
		[]string{results[0].Pass, results[1].Pass, results[2].Pass})
	assert.Equal(t, 1, results[0].Changed)
}

func TestRunAll_ClosedStore(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.store.Close())

	results, err := f.opt.RunAll(context.Background())
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.Empty(t, results)
}
