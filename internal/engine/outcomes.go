package engine

import (
	"context"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"go.uber.org/zap"
)

// Confidence is the confidence engine slice outcomes flow into.
type Confidence interface {
	ReportOutcome(ctx context.Context, executionID string, outcome pattern.Outcome) (*pattern.Pattern, error)
	ApplyEvidence(ctx context.Context, patternID string, outcome pattern.Outcome) (*pattern.Pattern, error)
}

// ExecutionReader loads execution records.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error)
}

// VariantRecorder counts outcomes against experiment arms.
type VariantRecorder interface {
	RecordVariantOutcome(ctx context.Context, rec *pattern.ExecutionRecord, outcome pattern.Outcome) error
}

// Outcomes resolves executions through the confidence engine and, for
// executions that rendered an experiment arm, counts the outcome against
// that arm. It satisfies the executor's and the learner's outcome
// interfaces so every resolution takes the same route.
type Outcomes struct {
	confidence Confidence
	records    ExecutionReader
	variants   VariantRecorder
	logger     *zap.Logger
}

// NewOutcomes creates an Outcomes router. variants may be nil.
func NewOutcomes(c Confidence, records ExecutionReader, variants VariantRecorder, logger *zap.Logger) *Outcomes {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outcomes{confidence: c, records: records, variants: variants, logger: logger}
}

// ReportOutcome resolves an execution. Arm bookkeeping failures are logged;
// they never undo the confidence update.
func (o *Outcomes) ReportOutcome(ctx context.Context, executionID string, outcome pattern.Outcome) (*pattern.Pattern, error) {
	p, err := o.confidence.ReportOutcome(ctx, executionID, outcome)
	if err != nil {
		return nil, err
	}
	if o.variants == nil || outcome == pattern.OutcomeUnknown {
		return p, nil
	}
	rec, err := o.records.GetExecution(ctx, executionID)
	if err != nil {
		o.logger.Warn("loading execution for experiment bookkeeping",
			zap.String("execution.id", executionID), zap.Error(err))
		return p, nil
	}
	if rec.Variant == "" {
		return p, nil
	}
	if err := o.variants.RecordVariantOutcome(ctx, rec, outcome); err != nil {
		o.logger.Warn("recording variant outcome",
			zap.String("execution.id", executionID),
			zap.String("variant", rec.Variant),
			zap.Error(err))
	}
	return p, nil
}

// ApplyEvidence passes evidence straight to the confidence engine.
func (o *Outcomes) ApplyEvidence(ctx context.Context, patternID string, outcome pattern.Outcome) (*pattern.Pattern, error) {
	return o.confidence.ApplyEvidence(ctx, patternID, outcome)
}

// ApplyFeedback records operator feedback not tied to an execution.
func (o *Outcomes) ApplyFeedback(ctx context.Context, patternID string, helpful bool) (*pattern.Pattern, error) {
	outcome := pattern.OutcomeFailure
	if helpful {
		outcome = pattern.OutcomeSuccess
	}
	return o.confidence.ApplyEvidence(ctx, patternID, outcome)
}
