package engine

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/patternd/internal/confidence"
	"github.com/fyrsmithlabs/patternd/internal/optimizer"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomes_CountsVariantArms(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	conf := confidence.New(st, confidence.Options{})
	opt, err := optimizer.New(st, conf, nil, optimizer.Options{})
	require.NoError(t, err)
	o := NewOutcomes(conf, st, opt, nil)

	p := pattern.New("sig-1", "bay 3 is frozen", "Resetting bay {{bay}} now.", 0.6)
	require.NoError(t, st.Create(ctx, p))
	e, err := opt.StartExperiment(ctx, p.ID, "On it, bay {{bay}} restarts now.")
	require.NoError(t, err)

	report := func(variant string, outcome pattern.Outcome) {
		rec := pattern.NewExecutionRecord(p.ID, "conv-1", pattern.ActionTakenSuggested, 0.6)
		rec.Variant = variant
		require.NoError(t, st.RecordExecution(ctx, rec))
		_, err := o.ReportOutcome(ctx, rec.ID, outcome)
		require.NoError(t, err)
	}
	report(pattern.VariantChallenger, pattern.OutcomeSuccess)
	report(pattern.VariantChallenger, pattern.OutcomeFailure)
	report(pattern.VariantControl, pattern.OutcomeModified)
	report(pattern.VariantControl, pattern.OutcomeUnknown)
	report("", pattern.OutcomeSuccess)

	got, err := st.ActiveExperiment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, int64(2), got.Challenger.Trials)
	assert.Equal(t, int64(1), got.Challenger.Successes)
	assert.Equal(t, int64(1), got.Control.Trials)
	assert.Equal(t, int64(1), got.Control.Successes)
}

func TestOutcomes_ErrorsPassThrough(t *testing.T) {
	st := store.NewMemoryStore()
	o := NewOutcomes(confidence.New(st, confidence.Options{}), st, nil, nil)
	_, err := o.ReportOutcome(context.Background(), "missing", pattern.OutcomeSuccess)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOutcomes_ApplyFeedback(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	o := NewOutcomes(confidence.New(st, confidence.Options{}), st, nil, nil)
	p := pattern.New("sig-1", "bay 3 is frozen", "Resetting bay {{bay}} now.", 0.6)
	require.NoError(t, st.Create(ctx, p))

	got, err := o.ApplyFeedback(ctx, p.ID, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.65, got.Confidence, 1e-9)
	got, err = o.ApplyFeedback(ctx, p.ID, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, got.Confidence, 1e-9)
}
