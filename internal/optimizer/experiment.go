package optimizer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/render"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StartExperiment begins routing a fraction of the pattern's traffic to
// challengerTemplate. The challenger must parse and a pattern may run one
// experiment at a time.
func (o *Optimizer) StartExperiment(ctx context.Context, patternID, challengerTemplate string) (*pattern.Experiment, error) {
	p, err := o.store.Get(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if !p.Matchable() {
		return nil, fmt.Errorf("pattern %s is not matchable", patternID)
	}
	if challengerTemplate == "" || challengerTemplate == p.ResponseTemplate {
		return nil, fmt.Errorf("challenger template must differ from the current template")
	}
	if _, err := render.Variables(challengerTemplate); err != nil {
		return nil, fmt.Errorf("invalid challenger template: %w", err)
	}
	if _, err := o.store.ActiveExperiment(ctx, patternID); err == nil {
		return nil, fmt.Errorf("pattern %s already has an active experiment", patternID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	e := pattern.NewExperiment(p.ID, p.ResponseTemplate, challengerTemplate, o.opts.ExperimentFraction)
	e.StartedAt = o.now().UTC()
	if err := o.store.SaveExperiment(ctx, e); err != nil {
		return nil, fmt.Errorf("saving experiment: %w", err)
	}
	o.logger.Info("experiment started",
		zap.String("experiment_id", e.ID),
		zap.String("pattern_id", p.ID),
		zap.Float64("fraction", e.Fraction))
	return e, nil
}

// Assign returns the variant for a conversation. The split is a stable hash
// of experiment and conversation, so every message in a conversation sees
// the same arm.
func Assign(experimentID, conversationID string, fraction float64) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(experimentID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(conversationID))
	bucket := float64(h.Sum64()%10000) / 10000
	if bucket < fraction {
		return pattern.VariantChallenger
	}
	return pattern.VariantControl
}

// PickVariant returns the arm and template to use for a match on patternID.
// ok is false when the pattern has no running experiment.
func (o *Optimizer) PickVariant(ctx context.Context, patternID, conversationID string) (string, string, bool) {
	e, err := o.store.ActiveExperiment(ctx, patternID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Debug("experiment lookup failed, using control",
				zap.String("pattern_id", patternID),
				zap.Error(err))
		}
		return "", "", false
	}
	name := Assign(e.ID, conversationID, e.Fraction)
	v, _ := e.VariantByName(name)
	return name, v.ResponseTemplate, true
}

// RecordVariantOutcome counts a resolved outcome against the arm recorded on
// rec. Success and modified count as successes; unknown is not counted.
// Records without a variant, or whose experiment has ended, are ignored.
func (o *Optimizer) RecordVariantOutcome(ctx context.Context, rec *pattern.ExecutionRecord, outcome pattern.Outcome) error {
	if rec == nil || rec.Variant == "" || outcome == pattern.OutcomeUnknown {
		return nil
	}
	e, err := o.store.ActiveExperiment(ctx, rec.PatternID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	success := outcome == pattern.OutcomeSuccess || outcome == pattern.OutcomeModified
	return o.store.RecordVariantOutcome(ctx, e.ID, rec.Variant, success)
}

// ExperimentPass closes experiments that have a winner. Once both arms have
// MinSamples trials, the arm ahead by at least MinLift wins; a winning
// challenger's template is copied onto the pattern. Experiments still tied
// at MaxSamples close in favor of the control, and experiments on patterns
// that are no longer matchable close without a winner.
func (o *Optimizer) ExperimentPass(ctx context.Context, now time.Time) (*PassResult, error) {
	ctx, span := tracer.Start(ctx, "optimizer.ExperimentPass")
	defer span.End()

	res := &PassResult{Pass: PassExperiment}
	start := time.Now()

	active, err := o.store.ListActiveExperiments(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}
	for _, e := range active {
		res.Processed++
		closed, err := o.evaluate(ctx, e, now)
		if err != nil {
			o.skip(res, e.ID, err)
			continue
		}
		if closed {
			res.Changed++
		}
	}

	o.finish(res, start)
	span.SetAttributes(attribute.Int("changed", res.Changed))
	return res, nil
}

func (o *Optimizer) evaluate(ctx context.Context, e *pattern.Experiment, now time.Time) (bool, error) {
	p, err := o.store.Get(ctx, e.PatternID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if p == nil || !p.Matchable() {
		return true, o.close(ctx, e, "", now)
	}

	ctrl, chall := e.Control, e.Challenger
	if ctrl.Trials < o.opts.MinSamples || chall.Trials < o.opts.MinSamples {
		return false, nil
	}
	lift := chall.Rate() - ctrl.Rate()
	switch {
	case lift >= o.opts.MinLift:
		tmpl := chall.ResponseTemplate
		if _, err := o.store.UpdateTemplates(ctx, p.ID, store.TemplateUpdate{ResponseTemplate: &tmpl}); err != nil {
			return false, fmt.Errorf("promoting challenger: %w", err)
		}
		return true, o.close(ctx, e, pattern.VariantChallenger, now)
	case -lift >= o.opts.MinLift:
		return true, o.close(ctx, e, pattern.VariantControl, now)
	case ctrl.Trials >= o.opts.MaxSamples && chall.Trials >= o.opts.MaxSamples:
		return true, o.close(ctx, e, pattern.VariantControl, now)
	}
	return false, nil
}

func (o *Optimizer) close(ctx context.Context, e *pattern.Experiment, winner string, now time.Time) error {
	ended := now.UTC()
	e.Active = false
	e.Winner = winner
	e.EndedAt = &ended
	if err := o.store.SaveExperiment(ctx, e); err != nil {
		return fmt.Errorf("closing experiment: %w", err)
	}
	o.logger.Info("experiment closed",
		zap.String("experiment_id", e.ID),
		zap.String("pattern_id", e.PatternID),
		zap.String("winner", winner),
		zap.Float64("control_rate", e.Control.Rate()),
		zap.Float64("challenger_rate", e.Challenger.Rate()))
	return nil
}
