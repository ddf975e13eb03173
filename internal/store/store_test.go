package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forEachStore runs fn against every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Privileged)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "patterns.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func newPattern(sig string) *pattern.Pattern {
	return pattern.New(sig, "trigger "+sig, "Reply for {{bay}}", 0.5)
}

func TestStore_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		p := newPattern("sig-1")
		p.Action = &pattern.Action{Type: pattern.ActionResetDevice, ResetDevice: &pattern.ResetDeviceParams{Location: "bay {{bay}}"}}
		p.Embedding = []float32{0.1, 0.2, 0.3}
		require.NoError(t, s.Create(ctx, p))
		assert.Equal(t, int64(1), p.Version)

		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.Signature, got.Signature)
		assert.Equal(t, p.Embedding, got.Embedding)
		require.NotNil(t, got.Action)
		assert.Equal(t, "bay {{bay}}", got.Action.ResetDevice.Location)
		assert.True(t, p.CreatedAt.Equal(got.CreatedAt))

		bySig, err := s.GetBySignature(ctx, "sig-1")
		require.NoError(t, err)
		assert.Equal(t, p.ID, bySig.ID)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_DuplicateSignatureRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newPattern("dup")))
		assert.ErrorIs(t, s.Create(ctx, newPattern("dup")), ErrDuplicateSignature)
	})
}

func TestStore_GetBySignatureSkipsDisabled(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		p := newPattern("sig")
		require.NoError(t, s.Create(ctx, p))

		off := false
		_, err := s.UpdateTemplates(ctx, p.ID, TemplateUpdate{Enabled: &off})
		require.NoError(t, err)

		_, err = s.GetBySignature(ctx, "sig")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_UpdateTemplatesLeavesGuardedFields(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		p := newPattern("sig")
		require.NoError(t, s.Create(ctx, p))
		_, err := s.CompareAndSwap(ctx, p.ID, p.Version, ConfidenceUpdate{Confidence: 0.97, AutoExecutable: true, Status: pattern.StatusVerified})
		require.NoError(t, err)

		tmpl := "Updated reply"
		cat := pattern.CategoryTechnical
		got, err := s.UpdateTemplates(ctx, p.ID, TemplateUpdate{ResponseTemplate: &tmpl, Category: &cat})
		require.NoError(t, err)

		assert.Equal(t, "Updated reply", got.ResponseTemplate)
		assert.Equal(t, pattern.CategoryTechnical, got.Category)
		assert.Equal(t, 0.97, got.Confidence)
		assert.True(t, got.AutoExecutable)
		assert.Equal(t, pattern.StatusVerified, got.Status)
	})
}

func TestStore_UpdateTemplatesRejectsEmptyPattern(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		p := newPattern("sig")
		require.NoError(t, s.Create(ctx, p))

		empty := ""
		_, err := s.UpdateTemplates(ctx, p.ID, TemplateUpdate{ResponseTemplate: &empty})
		assert.ErrorIs(t, err, pattern.ErrEmptyTemplate)
	})
}

func TestStore_CompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		p := newPattern("sig")
		require.NoError(t, s.Create(ctx, p))

		got, err := s.CompareAndSwap(ctx, p.ID, 1, ConfidenceUpdate{Confidence: 0.55, Status: pattern.StatusLearned, SuccessDelta: 1})
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, 0.55, got.Confidence)
		assert.Equal(t, int64(1), got.SuccessCount)

		_, err = s.CompareAndSwap(ctx, p.ID, 1, ConfidenceUpdate{Confidence: 0.6, Status: pattern.StatusLearned})
		assert.ErrorIs(t, err, ErrVersionConflict)

		_, err = s.CompareAndSwap(ctx, p.ID, 2, ConfidenceUpdate{Confidence: 1.5, Status: pattern.StatusLearned})
		assert.ErrorIs(t, err, pattern.ErrInvalidConfidence)

		_, err = s.CompareAndSwap(ctx, "missing", 1, ConfidenceUpdate{Confidence: 0.5, Status: pattern.StatusLearned})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ConcurrentCASOnlyOneWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		p := newPattern("sig")
		require.NoError(t, s.Create(ctx, p))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.CompareAndSwap(ctx, p.ID, 1, ConfidenceUpdate{Confidence: 0.55, Status: pattern.StatusLearned}); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestStore_UpdateExecutionAction(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		p := newPattern("sig")
		require.NoError(t, s.Create(ctx, p))
		rec := pattern.NewExecutionRecord(p.ID, "conv-1", pattern.ActionTakenSent, 0.96)
		rec.Reason = "confirmation_required"
		require.NoError(t, s.RecordExecution(ctx, rec))

		require.NoError(t, s.UpdateExecutionAction(ctx, rec.ID, pattern.ActionTakenExecutedAction, "confirmed"))
		got, err := s.GetExecution(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, pattern.ActionTakenExecutedAction, got.ActionTaken)
		assert.Equal(t, "confirmed", got.Reason)
		assert.False(t, got.Resolved())

		assert.ErrorIs(t, s.UpdateExecutionAction(ctx, rec.ID, "teleported", ""), pattern.ErrInvalidActionTaken)
		assert.ErrorIs(t, s.UpdateExecutionAction(ctx, "missing", pattern.ActionTakenEscalated, ""), ErrNotFound)
	})
}

func TestStore_ExecutionLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		p := newPattern("sig")
		require.NoError(t, s.Create(ctx, p))

		rec := pattern.NewExecutionRecord(p.ID, "conv-1", pattern.ActionTakenSent, 0.96)
		rec.RenderedText = "Restarting bay 3"
		require.NoError(t, s.RecordExecution(ctx, rec))

		unresolved, err := s.ListExecutions(ctx, ExecutionFilter{PatternID: p.ID, UnresolvedOnly: true})
		require.NoError(t, err)
		require.Len(t, unresolved, 1)
		assert.Equal(t, pattern.OutcomeUnknown, unresolved[0].Outcome)

		got, err := s.ResolveExecution(ctx, rec.ID, pattern.OutcomeSuccess, time.Now())
		require.NoError(t, err)
		assert.Equal(t, pattern.OutcomeSuccess, got.Outcome)
		assert.True(t, got.Resolved())

		_, err = s.ResolveExecution(ctx, rec.ID, pattern.OutcomeFailure, time.Now())
		assert.ErrorIs(t, err, ErrAlreadyResolved)

		_, err = s.ResolveExecution(ctx, "missing", pattern.OutcomeFailure, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.RecordExecution(ctx, pattern.NewExecutionRecord("missing", "conv-1", pattern.ActionTakenSent, 0.5))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_CompareAndSwapResolvesAtomically(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		p := newPattern("sig")
		require.NoError(t, s.Create(ctx, p))
		rec := pattern.NewExecutionRecord(p.ID, "conv-1", pattern.ActionTakenSent, 0.5)
		require.NoError(t, s.RecordExecution(ctx, rec))

		resolve := &Resolution{ExecutionID: rec.ID, Outcome: pattern.OutcomeSuccess, At: time.Now()}

		// A lost race resolves nothing.
		_, err := s.CompareAndSwap(ctx, p.ID, 7, ConfidenceUpdate{Confidence: 0.55, Status: pattern.StatusLearned, Resolve: resolve})
		assert.ErrorIs(t, err, ErrVersionConflict)
		got, err := s.GetExecution(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, got.Resolved())

		updated, err := s.CompareAndSwap(ctx, p.ID, 1, ConfidenceUpdate{Confidence: 0.55, Status: pattern.StatusLearned, SuccessDelta: 1, Resolve: resolve})
		require.NoError(t, err)
		assert.InDelta(t, 0.55, updated.Confidence, 1e-9)
		got, err = s.GetExecution(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, pattern.OutcomeSuccess, got.Outcome)

		// A second resolution leaves the pattern untouched.
		_, err = s.CompareAndSwap(ctx, p.ID, 2, ConfidenceUpdate{Confidence: 0.6, Status: pattern.StatusLearned, Resolve: resolve})
		assert.ErrorIs(t, err, ErrAlreadyResolved)
		after, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), after.Version)
		assert.InDelta(t, 0.55, after.Confidence, 1e-9)
	})
}

func TestStore_MarkUsedAndUnusedFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		old := newPattern("old")
		old.CreatedAt = time.Now().Add(-60 * 24 * time.Hour)
		fresh := newPattern("fresh")
		require.NoError(t, s.Create(ctx, old))
		require.NoError(t, s.Create(ctx, fresh))
		require.NoError(t, s.MarkUsed(ctx, fresh.ID, time.Now()))

		cutoff := time.Now().Add(-30 * 24 * time.Hour)
		stale, err := s.List(ctx, ListFilter{UnusedSince: &cutoff})
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, old.ID, stale[0].ID)

		got, err := s.Get(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.UsageCount)
		require.NotNil(t, got.LastUsedAt)
	})
}

func TestStore_MergeInto(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		canon := newPattern("canon")
		dup := newPattern("dup")
		dup.UsageCount, dup.SuccessCount, dup.FailureCount = 4, 3, 1
		require.NoError(t, s.Create(ctx, canon))
		require.NoError(t, s.Create(ctx, dup))

		rec := pattern.NewExecutionRecord(dup.ID, "conv", pattern.ActionTakenSuggested, 0.6)
		require.NoError(t, s.RecordExecution(ctx, rec))

		require.NoError(t, s.MergeInto(ctx, canon.ID, dup.ID))

		gotCanon, err := s.Get(ctx, canon.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), gotCanon.UsageCount)
		assert.Equal(t, int64(3), gotCanon.SuccessCount)
		assert.Nil(t, gotCanon.LastUsedAt)

		gotDup, err := s.Get(ctx, dup.ID)
		require.NoError(t, err)
		assert.Equal(t, pattern.StatusDeprecated, gotDup.Status)
		assert.Equal(t, canon.ID, gotDup.MergedInto)
		assert.False(t, gotDup.Matchable())

		moved, err := s.GetExecution(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, canon.ID, moved.PatternID)

		assert.ErrorIs(t, s.MergeInto(ctx, canon.ID, dup.ID), ErrInvalidMerge)
		assert.ErrorIs(t, s.MergeInto(ctx, canon.ID, canon.ID), ErrInvalidMerge)

		// Deprecating frees the signature for a new pattern.
		assert.NoError(t, s.Create(ctx, newPattern("dup")))
	})
}

func TestStore_ConversationSingleActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		now := time.Now()

		st := pattern.NewConversationState("conv-1", now)
		require.NoError(t, s.SaveConversation(ctx, st))
		assert.Equal(t, int64(1), st.Version)

		other := pattern.NewConversationState("conv-1", now)
		assert.ErrorIs(t, s.SaveConversation(ctx, other), ErrActiveConversationExists)

		loaded, err := s.LoadActiveConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, st.ID, loaded.ID)

		stale := loaded.Clone()
		loaded.Phase = pattern.PhaseAwaitingCustomer
		require.NoError(t, s.SaveConversation(ctx, loaded))
		assert.Equal(t, int64(2), loaded.Version)

		stale.Phase = pattern.PhaseEscalated
		assert.ErrorIs(t, s.SaveConversation(ctx, stale), ErrVersionConflict)

		loaded.Phase = pattern.PhaseClosed
		require.NoError(t, s.SaveConversation(ctx, loaded))
		_, err = s.LoadActiveConversation(ctx, "conv-1")
		assert.ErrorIs(t, err, ErrNotFound)

		// A closed state does not block a new one.
		require.NoError(t, s.SaveConversation(ctx, pattern.NewConversationState("conv-1", now)))
	})
}

func TestStore_ConversationRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		now := time.Now().UTC()
		until := now.Add(5 * time.Minute)

		st := pattern.NewConversationState("conv-2", now)
		st.Phase = pattern.PhaseAwaitingConfirmation
		st.PendingPatternID = "p1"
		st.PendingAction = &pattern.Action{Type: pattern.ActionUnlockDoor, UnlockDoor: &pattern.UnlockDoorParams{Location: "front", DurationMinutes: 5}}
		st.ExpiresAt = &until
		st.Context["bay"] = "3"
		require.NoError(t, s.SaveConversation(ctx, st))

		got, err := s.LoadActiveConversation(ctx, "conv-2")
		require.NoError(t, err)
		assert.Equal(t, pattern.PhaseAwaitingConfirmation, got.Phase)
		require.NotNil(t, got.PendingAction)
		assert.Equal(t, "front", got.PendingAction.UnlockDoor.Location)
		assert.Equal(t, "3", got.Context["bay"])
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, until.Equal(*got.ExpiresAt))
	})
}

func TestStore_ListExpiredConfirmations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		now := time.Now()

		expired := pattern.NewConversationState("a", now)
		expired.Phase = pattern.PhaseAwaitingConfirmation
		past := now.Add(-time.Second)
		expired.ExpiresAt = &past

		pending := pattern.NewConversationState("b", now)
		pending.Phase = pattern.PhaseAwaitingConfirmation
		future := now.Add(time.Minute)
		pending.ExpiresAt = &future

		require.NoError(t, s.SaveConversation(ctx, expired))
		require.NoError(t, s.SaveConversation(ctx, pending))

		got, err := s.ListExpiredConfirmations(ctx, now)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "a", got[0].ConversationID)
	})
}

func TestStore_DeferredEvents(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		require.NoError(t, s.EnqueueEvent(ctx, "c", []byte("one")))
		require.NoError(t, s.EnqueueEvent(ctx, "d", []byte("other")))
		require.NoError(t, s.EnqueueEvent(ctx, "c", []byte("two")))

		queued, err := s.ListQueuedConversations(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "d"}, queued)

		got, err := s.PendingEvents(ctx, "c")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, []byte("one"), got[0].Payload)
		assert.Equal(t, []byte("two"), got[1].Payload)
		assert.Less(t, got[0].Seq, got[1].Seq)

		again, err := s.PendingEvents(ctx, "c")
		require.NoError(t, err)
		assert.Len(t, again, 2, "reading does not remove events")

		require.NoError(t, s.AckEvent(ctx, "c", got[0].Seq))
		got, err = s.PendingEvents(ctx, "c")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []byte("two"), got[0].Payload)

		require.NoError(t, s.AckEvent(ctx, "c", got[0].Seq))
		got, err = s.PendingEvents(ctx, "c")
		require.NoError(t, err)
		assert.Empty(t, got)

		queued, err = s.ListQueuedConversations(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, queued)
	})
}

func TestStore_GoldStandardSupersedes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		first := pattern.NewGoldStandard("conv", "bay 3 frozen", "Restarting bay 3", "alice")
		require.NoError(t, s.FlagGoldStandard(ctx, first))
		second := pattern.NewGoldStandard("conv", "bay 3 frozen", "Restarting bay 3 now, give it a minute", "bob")
		require.NoError(t, s.FlagGoldStandard(ctx, second))

		got, err := s.ListGoldStandard(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, second.ID, got[0].ID)
	})
}

func TestStore_Experiments(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		p := newPattern("sig")
		require.NoError(t, s.Create(ctx, p))

		e := pattern.NewExperiment(p.ID, "A", "B", 0.2)
		require.NoError(t, s.SaveExperiment(ctx, e))
		assert.Error(t, s.SaveExperiment(ctx, pattern.NewExperiment(p.ID, "A", "C", 0.2)))

		require.NoError(t, s.RecordVariantOutcome(ctx, e.ID, pattern.VariantChallenger, true))
		require.NoError(t, s.RecordVariantOutcome(ctx, e.ID, pattern.VariantChallenger, false))
		require.NoError(t, s.RecordVariantOutcome(ctx, e.ID, pattern.VariantControl, true))
		assert.Error(t, s.RecordVariantOutcome(ctx, e.ID, "third", true))

		got, err := s.ActiveExperiment(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Challenger.Trials)
		assert.Equal(t, int64(1), got.Challenger.Successes)
		assert.Equal(t, int64(1), got.Control.Trials)

		got.Active = false
		got.Winner = pattern.VariantControl
		require.NoError(t, s.SaveExperiment(ctx, got))
		active, err := s.ListActiveExperiments(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}

func TestStore_Counts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Privileged) {
		ctx := context.Background()
		p := newPattern("sig")
		require.NoError(t, s.Create(ctx, p))
		require.NoError(t, s.RecordExecution(ctx, pattern.NewExecutionRecord(p.ID, "c", pattern.ActionTakenSent, 0.5)))
		require.NoError(t, s.SaveConversation(ctx, pattern.NewConversationState("c", time.Now())))

		c, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.Patterns)
		assert.Equal(t, int64(1), c.Matchable)
		assert.Equal(t, int64(1), c.Executions)
		assert.Equal(t, int64(1), c.Unresolved)
		assert.Equal(t, int64(1), c.ActiveConversations)
	})
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
	assert.Nil(t, decodeVector(nil))
	assert.Nil(t, decodeVector([]byte{1, 2, 3}))
}
