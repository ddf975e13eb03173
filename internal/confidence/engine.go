// Package confidence is the single entry point for changing a pattern's
// confidence, auto-executable flag and status.
//
// Every change is a compare-and-swap against the pattern's version, retried
// with jittered backoff on conflict, so concurrent outcome reports for the
// same pattern never lose an update.
package confidence

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"go.uber.org/zap"
)

// ErrTooManyConflicts is returned when every CAS attempt lost the race.
var ErrTooManyConflicts = errors.New("confidence update abandoned after repeated version conflicts")

// Store is the privileged store slice the engine needs.
type Store interface {
	Get(ctx context.Context, id string) (*pattern.Pattern, error)
	GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error)
	ResolveExecution(ctx context.Context, id string, outcome pattern.Outcome, at time.Time) (*pattern.ExecutionRecord, error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, u store.ConfidenceUpdate) (*pattern.Pattern, error)
}

// Options configures an Engine.
type Options struct {
	Thresholds pattern.Thresholds

	// MaxAttempts bounds CAS retries. Default 8.
	MaxAttempts int

	// Backoff is the base delay between CAS attempts. Default 2ms.
	Backoff time.Duration

	Metrics *Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// Engine applies outcomes and decay.
type Engine struct {
	store   Store
	t       pattern.Thresholds
	max     int
	backoff time.Duration
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an Engine. Zero thresholds mean the defaults.
func New(s Store, opts Options) *Engine {
	if opts.Thresholds == (pattern.Thresholds{}) {
		opts.Thresholds = pattern.DefaultThresholds()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Millisecond
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   s,
		t:       opts.Thresholds,
		max:     opts.MaxAttempts,
		backoff: opts.Backoff,
		metrics: opts.Metrics,
		logger:  logger,
		now:     opts.Now,
	}
}

// Thresholds returns the engine's thresholds.
func (e *Engine) Thresholds() pattern.Thresholds {
	return e.t
}

// ReportOutcome resolves an execution record and applies its outcome to the
// pattern. The resolution and the confidence change commit together, so a
// report that fails leaves the record unresolved and can be retried. A
// record can be reported once; later reports return store.ErrAlreadyResolved.
// Shadowed and unknown outcomes resolve the record without moving confidence.
func (e *Engine) ReportOutcome(ctx context.Context, executionID string, outcome pattern.Outcome) (*pattern.Pattern, error) {
	if !outcome.Valid() {
		return nil, pattern.ErrInvalidOutcome
	}
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("loading execution %s: %w", executionID, err)
	}
	if rec.Resolved() {
		return nil, fmt.Errorf("execution %s: %w", executionID, store.ErrAlreadyResolved)
	}

	at := e.now()
	if outcome == pattern.OutcomeUnknown || rec.ActionTaken == pattern.ActionTakenShadowed {
		if _, err := e.store.ResolveExecution(ctx, executionID, outcome, at); err != nil {
			return nil, fmt.Errorf("resolving execution %s: %w", executionID, err)
		}
		return e.store.Get(ctx, rec.PatternID)
	}
	resolve := &store.Resolution{ExecutionID: executionID, Outcome: outcome, At: at}
	p, err := e.apply(ctx, rec.PatternID, string(outcome), func(p *pattern.Pattern) (store.ConfidenceUpdate, bool) {
		u := e.outcomeUpdate(p, outcome)
		u.Resolve = resolve
		return u, true
	})
	if err != nil {
		return nil, fmt.Errorf("resolving execution %s: %w", executionID, err)
	}
	return p, nil
}

// ApplyFeedback applies operator feedback that is not tied to an execution.
func (e *Engine) ApplyFeedback(ctx context.Context, patternID string, helpful bool) (*pattern.Pattern, error) {
	outcome := pattern.OutcomeFailure
	if helpful {
		outcome = pattern.OutcomeSuccess
	}
	return e.ApplyEvidence(ctx, patternID, outcome)
}

// ApplyEvidence applies an outcome observed outside an execution, such as an
// operator independently writing a reply the pattern already covers.
// Unknown evidence is a no-op.
func (e *Engine) ApplyEvidence(ctx context.Context, patternID string, outcome pattern.Outcome) (*pattern.Pattern, error) {
	if !outcome.Valid() {
		return nil, pattern.ErrInvalidOutcome
	}
	if outcome == pattern.OutcomeUnknown {
		return e.store.Get(ctx, patternID)
	}
	return e.apply(ctx, patternID, string(outcome), func(p *pattern.Pattern) (store.ConfidenceUpdate, bool) {
		return e.outcomeUpdate(p, outcome), true
	})
}

// Decay applies one decay step if the pattern has been unused for at least
// the decay window. The bool reports whether anything changed.
func (e *Engine) Decay(ctx context.Context, patternID string, now time.Time) (*pattern.Pattern, bool, error) {
	changed := false
	p, err := e.apply(ctx, patternID, "decay", func(p *pattern.Pattern) (store.ConfidenceUpdate, bool) {
		last := p.CreatedAt
		if p.LastUsedAt != nil {
			last = *p.LastUsedAt
		}
		if now.Sub(last) < e.t.DecayWindow || (p.Confidence == 0 && !p.AutoExecutable) {
			changed = false
			return store.ConfidenceUpdate{}, false
		}
		next, clamped := Decay(StateOf(p), e.t)
		e.noteClamp(p, clamped)
		changed = true
		return store.ConfidenceUpdate{
			Confidence:     next.Confidence,
			AutoExecutable: next.AutoExecutable,
			Status:         next.Status,
		}, true
	})
	return p, changed, err
}

func (e *Engine) outcomeUpdate(p *pattern.Pattern, outcome pattern.Outcome) store.ConfidenceUpdate {
	next, clamped := Apply(StateOf(p), outcome, e.t)
	e.noteClamp(p, clamped)
	u := store.ConfidenceUpdate{
		Confidence:     next.Confidence,
		AutoExecutable: next.AutoExecutable,
		Status:         next.Status,
	}
	switch outcome {
	case pattern.OutcomeSuccess, pattern.OutcomeModified:
		u.SuccessDelta = 1
	case pattern.OutcomeFailure:
		u.FailureDelta = 1
	}
	return u
}

func (e *Engine) noteClamp(p *pattern.Pattern, clamped bool) {
	if !clamped {
		return
	}
	e.metrics.Clamps.Inc()
	e.logger.Warn("confidence clamped into [0,1]",
		zap.String("pattern.id", p.ID),
		zap.Float64("confidence", p.Confidence))
}

// apply runs a CAS loop. fn derives the update from the freshly read
// pattern; returning false means nothing to write.
func (e *Engine) apply(ctx context.Context, patternID, label string, fn func(*pattern.Pattern) (store.ConfidenceUpdate, bool)) (*pattern.Pattern, error) {
	for attempt := 1; attempt <= e.max; attempt++ {
		p, err := e.store.Get(ctx, patternID)
		if err != nil {
			return nil, fmt.Errorf("loading pattern %s: %w", patternID, err)
		}
		if p.MergedInto != "" {
			// Outcomes reported against a merged duplicate count for the canonical pattern.
			patternID = p.MergedInto
			if p, err = e.store.Get(ctx, patternID); err != nil {
				return nil, fmt.Errorf("loading canonical pattern %s: %w", patternID, err)
			}
		}

		u, ok := fn(p)
		if !ok {
			return p, nil
		}
		updated, err := e.store.CompareAndSwap(ctx, p.ID, p.Version, u)
		if err == nil {
			e.record(label, p, updated)
			return updated, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("updating pattern %s: %w", p.ID, err)
		}

		e.metrics.Conflicts.Inc()
		if err := e.sleep(ctx, attempt); err != nil {
			return nil, err
		}
	}
	e.logger.Error("confidence update abandoned",
		zap.String("pattern.id", patternID),
		zap.String("outcome", label),
		zap.Int("attempts", e.max))
	return nil, fmt.Errorf("pattern %s: %w", patternID, ErrTooManyConflicts)
}

func (e *Engine) sleep(ctx context.Context, attempt int) error {
	d := e.backoff * time.Duration(attempt)
	d += time.Duration(rand.Int64N(int64(e.backoff) + 1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) record(label string, before, after *pattern.Pattern) {
	e.metrics.Updates.WithLabelValues(label).Inc()

	fields := []zap.Field{
		zap.String("pattern.id", after.ID),
		zap.String("outcome", label),
		zap.Float64("confidence.before", before.Confidence),
		zap.Float64("confidence.after", after.Confidence),
	}
	switch {
	case after.AutoExecutable && !before.AutoExecutable:
		e.metrics.Transitions.WithLabelValues("promote").Inc()
		e.logger.Info("pattern promoted to auto-executable", append(fields, zap.String("status", string(after.Status)))...)
	case !after.AutoExecutable && before.AutoExecutable:
		e.metrics.Transitions.WithLabelValues("demote").Inc()
		e.logger.Info("pattern demoted from auto-executable", fields...)
	default:
		e.logger.Debug("confidence updated", fields...)
	}
}
