// Package learning turns operator replies into patterns.
//
// When the engine had no confident answer for a customer message, the reply a
// human operator sends instead is paired with that message. The reply is
// checked for secrets, generalized into a template by replacing the values
// the customer mentioned with placeholders, and then either reinforces an
// existing pattern, becomes a challenger in an A/B experiment, or seeds a new
// learned pattern. Operator-flagged gold-standard interactions take the same
// route but always win over learned text.
package learning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/patternd/internal/extractor"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/redact"
	"github.com/fyrsmithlabs/patternd/internal/render"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/internal/vectorindex"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("patternd.learning")

var (
	// ErrEmptyCapture indicates a capture without customer or operator text.
	ErrEmptyCapture = errors.New("capture needs both customer and operator text")

	// ErrContainsSecret indicates operator text that cannot be stored because
	// it carries a secret.
	ErrContainsSecret = errors.New("operator text contains a secret")
)

// Kind describes what a capture did.
type Kind string

const (
	KindCreated    Kind = "created"
	KindReinforced Kind = "reinforced"
	KindVariant    Kind = "variant"
	KindSkipped    Kind = "skipped"
)

// Skip reasons.
const (
	ReasonContainsSecret     = "contains_secret"
	ReasonInvalidTemplate    = "invalid_template"
	ReasonConflictingReply   = "conflicting_reply"
	ReasonGoldStandard       = "gold_standard_preferred"
	ReasonDuplicateSignature = "duplicate_signature"
)

// Store is the slice of the pattern store the learner writes through.
type Store interface {
	Get(ctx context.Context, id string) (*pattern.Pattern, error)
	GetBySignature(ctx context.Context, signature string) (*pattern.Pattern, error)
	Create(ctx context.Context, p *pattern.Pattern) error
	UpdateTemplates(ctx context.Context, id string, u store.TemplateUpdate) (*pattern.Pattern, error)
	FlagGoldStandard(ctx context.Context, gs *pattern.GoldStandard) error
}

// Extractor computes signatures and entities for customer text.
type Extractor interface {
	Extract(ctx context.Context, text string) (*extractor.Result, error)
}

// Embedder produces trigger vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Outcomes feeds evidence into the confidence engine.
type Outcomes interface {
	ReportOutcome(ctx context.Context, executionID string, outcome pattern.Outcome) (*pattern.Pattern, error)
	ApplyEvidence(ctx context.Context, patternID string, outcome pattern.Outcome) (*pattern.Pattern, error)
}

// Scrubber removes secrets from text.
type Scrubber interface {
	Scrub(text string) redact.Result
}

// ExperimentStarter opens an A/B test between a pattern and a new template.
type ExperimentStarter interface {
	StartExperiment(ctx context.Context, patternID, challengerTemplate string) (*pattern.Experiment, error)
}

// Deps are the learner's collaborators. Embedder, Index and Experiments are
// optional; without the first two there is no semantic dedup, without the
// last a conflicting reply is dropped instead of tested.
type Deps struct {
	Store       Store
	Extractor   Extractor
	Outcomes    Outcomes
	Scrubber    Scrubber
	Embedder    Embedder
	Index       vectorindex.Index
	Experiments ExperimentStarter
}

// Options tunes learning.
type Options struct {
	// InitialConfidence for new patterns. Default 0.5.
	InitialConfidence float64

	// MergeThreshold is the cosine similarity above which a new reply is
	// treated as evidence for an existing pattern. Default 0.92.
	MergeThreshold float64

	// SimilarReply is the word overlap above which two replies count as the
	// same answer reworded. Default 0.5.
	SimilarReply float64

	Metrics *Metrics
	Logger  *zap.Logger
}

// Suggestion identifies the suggestion an operator was shown, if any.
type Suggestion struct {
	PatternID   string
	ExecutionID string
	Text        string
}

// Capture pairs a customer message with the operator's reply.
type Capture struct {
	ConversationID string
	CustomerText   string
	OperatorText   string
	Operator       string
	Suggestion     *Suggestion
}

// Result reports what a capture did.
type Result struct {
	Kind      Kind            `json:"kind"`
	PatternID string          `json:"pattern_id,omitempty"`
	Outcome   pattern.Outcome `json:"outcome,omitempty"`
	Reason    string          `json:"reason,omitempty"`

	// Rules lists the redaction rules that fired for a contains_secret skip.
	Rules []string `json:"rules,omitempty"`
}

// GoldInput is an interaction an operator flags as exemplary.
type GoldInput struct {
	ConversationID string
	CustomerText   string
	OperatorText   string
	FlaggedBy      string
}

// Learner runs the learning path. It is safe for concurrent use.
type Learner struct {
	deps    Deps
	opts    Options
	metrics *Metrics
	logger  *zap.Logger
}

// New creates a Learner.
func New(deps Deps, opts Options) (*Learner, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store cannot be nil")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor cannot be nil")
	case deps.Outcomes == nil:
		return nil, fmt.Errorf("outcomes cannot be nil")
	case deps.Scrubber == nil:
		return nil, fmt.Errorf("scrubber cannot be nil")
	}
	if opts.InitialConfidence <= 0 {
		opts.InitialConfidence = 0.5
	}
	if opts.MergeThreshold <= 0 {
		opts.MergeThreshold = 0.92
	}
	if opts.SimilarReply <= 0 {
		opts.SimilarReply = 0.5
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Learner{deps: deps, opts: opts, metrics: opts.Metrics, logger: logger}, nil
}

// Learn processes one operator reply.
func (l *Learner) Learn(ctx context.Context, c Capture) (*Result, error) {
	ctx, span := tracer.Start(ctx, "learning.Learn")
	defer span.End()

	if strings.TrimSpace(c.CustomerText) == "" || strings.TrimSpace(c.OperatorText) == "" {
		return nil, ErrEmptyCapture
	}

	res, err := l.learn(ctx, c)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("result", string(res.Kind)))
	l.metrics.Captures.WithLabelValues(string(res.Kind)).Inc()
	l.logger.Info("operator reply processed",
		zap.String("conversation.id", c.ConversationID),
		zap.String("result", string(res.Kind)),
		zap.String("pattern.id", res.PatternID),
		zap.String("reason", res.Reason))
	return res, nil
}

func (l *Learner) learn(ctx context.Context, c Capture) (*Result, error) {
	// The reply is evidence about the suggestion even when it cannot be learned.
	if s := c.Suggestion; s != nil && s.ExecutionID != "" {
		outcome := l.compare(s.Text, c.OperatorText)
		if err := l.report(ctx, s.ExecutionID, outcome); err != nil {
			return nil, err
		}
		if outcome != pattern.OutcomeFailure {
			return &Result{Kind: KindReinforced, PatternID: s.PatternID, Outcome: outcome}, nil
		}
	}

	if scrubbed := l.deps.Scrubber.Scrub(c.OperatorText); scrubbed.Found() {
		l.metrics.Redactions.Inc()
		return &Result{Kind: KindSkipped, Reason: ReasonContainsSecret, Rules: scrubbed.RuleIDs()}, nil
	}
	customer := l.deps.Scrubber.Scrub(c.CustomerText).Text

	x, err := l.deps.Extractor.Extract(ctx, customer)
	if err != nil {
		return nil, fmt.Errorf("extracting customer text: %w", err)
	}
	tmpl, err := Generalize(c.OperatorText, x.Entities)
	if err != nil {
		l.logger.Debug("operator reply is not a valid template", zap.Error(err))
		return &Result{Kind: KindSkipped, Reason: ReasonInvalidTemplate}, nil
	}

	existing, err := l.deps.Store.GetBySignature(ctx, x.Signature)
	switch {
	case err == nil:
		return l.reinforceOrChallenge(ctx, existing, tmpl)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("exact lookup: %w", err)
	}

	vec := l.embed(ctx, x.Normalized)
	if dup, err := l.semanticDuplicate(ctx, vec, tmpl, x.Category); err != nil {
		return nil, err
	} else if dup != nil {
		if _, err := l.deps.Outcomes.ApplyEvidence(ctx, dup.ID, pattern.OutcomeModified); err != nil {
			return nil, fmt.Errorf("recording evidence: %w", err)
		}
		return &Result{Kind: KindReinforced, PatternID: dup.ID, Outcome: pattern.OutcomeModified}, nil
	}

	p := pattern.New(x.Signature, x.Normalized, tmpl, l.opts.InitialConfidence)
	p.Category = x.Category
	p.Embedding = vec
	if err := l.create(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicateSignature) {
			return &Result{Kind: KindSkipped, Reason: ReasonDuplicateSignature}, nil
		}
		return nil, err
	}
	return &Result{Kind: KindCreated, PatternID: p.ID}, nil
}

// reinforceOrChallenge handles a reply for a trigger that already has a pattern.
func (l *Learner) reinforceOrChallenge(ctx context.Context, p *pattern.Pattern, tmpl string) (*Result, error) {
	if outcome := l.compare(p.ResponseTemplate, tmpl); outcome != pattern.OutcomeFailure {
		if _, err := l.deps.Outcomes.ApplyEvidence(ctx, p.ID, outcome); err != nil {
			return nil, fmt.Errorf("recording evidence: %w", err)
		}
		return &Result{Kind: KindReinforced, PatternID: p.ID, Outcome: outcome}, nil
	}
	if p.FromGoldStandard {
		return &Result{Kind: KindSkipped, PatternID: p.ID, Reason: ReasonGoldStandard}, nil
	}
	if l.deps.Experiments == nil {
		return &Result{Kind: KindSkipped, PatternID: p.ID, Reason: ReasonConflictingReply}, nil
	}
	if _, err := l.deps.Experiments.StartExperiment(ctx, p.ID, tmpl); err != nil {
		l.logger.Debug("not testing conflicting reply",
			zap.String("pattern.id", p.ID),
			zap.Error(err))
		return &Result{Kind: KindSkipped, PatternID: p.ID, Reason: ReasonConflictingReply}, nil
	}
	return &Result{Kind: KindVariant, PatternID: p.ID}, nil
}

// semanticDuplicate returns a matchable pattern close enough to be the same
// trigger with a compatible template.
func (l *Learner) semanticDuplicate(ctx context.Context, vec []float32, tmpl string, category pattern.Category) (*pattern.Pattern, error) {
	if vec == nil || l.deps.Index == nil {
		return nil, nil
	}
	hits, err := l.deps.Index.Search(ctx, vec, 1, l.opts.MergeThreshold)
	if err != nil {
		l.logger.Warn("vector search failed, skipping semantic dedup", zap.Error(err))
		return nil, nil
	}
	for _, h := range hits {
		if h.Score < l.opts.MergeThreshold {
			continue
		}
		p, err := l.deps.Store.Get(ctx, h.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading pattern %s: %w", h.ID, err)
		}
		if p.Matchable() && !p.HasAction() && p.Category == category && sameVariables(p.ResponseTemplate, tmpl) {
			return p, nil
		}
	}
	return nil, nil
}

func (l *Learner) embed(ctx context.Context, text string) []float32 {
	if l.deps.Embedder == nil {
		return nil
	}
	vec, err := l.deps.Embedder.Embed(ctx, text)
	if err != nil {
		l.logger.Warn("embedding unavailable, pattern will be exact-match only", zap.Error(err))
		return nil
	}
	return vec
}

// create stores a pattern and indexes its embedding.
func (l *Learner) create(ctx context.Context, p *pattern.Pattern) error {
	if err := l.deps.Store.Create(ctx, p); err != nil {
		return fmt.Errorf("creating pattern: %w", err)
	}
	if p.Embedding != nil && l.deps.Index != nil {
		if err := l.deps.Index.Upsert(ctx, p.ID, p.Embedding, vectorindex.Meta(p)); err != nil {
			l.logger.Warn("indexing new pattern failed", zap.String("pattern.id", p.ID), zap.Error(err))
		}
	}
	return nil
}

// Override grades an operator message sent after an autonomous response
// against what was sent. Nothing is learned from it.
func (l *Learner) Override(ctx context.Context, executionID, sent, reply string) (pattern.Outcome, error) {
	ctx, span := tracer.Start(ctx, "learning.Override")
	defer span.End()

	outcome := l.compare(sent, reply)
	if err := l.report(ctx, executionID, outcome); err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return outcome, nil
}

// report resolves an execution. Records resolved elsewhere first are left alone.
func (l *Learner) report(ctx context.Context, executionID string, outcome pattern.Outcome) error {
	if _, err := l.deps.Outcomes.ReportOutcome(ctx, executionID, outcome); err != nil {
		if !errors.Is(err, store.ErrAlreadyResolved) {
			return fmt.Errorf("reporting outcome: %w", err)
		}
		l.logger.Debug("execution already resolved", zap.String("execution.id", executionID))
	}
	return nil
}

// compare grades a reply against the text it could have been.
func (l *Learner) compare(expected, reply string) pattern.Outcome {
	if extractor.Normalize(expected) == extractor.Normalize(reply) {
		return pattern.OutcomeSuccess
	}
	if similarity(expected, reply) >= l.opts.SimilarReply {
		return pattern.OutcomeModified
	}
	return pattern.OutcomeFailure
}

// FlagGoldStandard stores an exemplary interaction and makes its reply the
// template for the customer message's trigger.
func (l *Learner) FlagGoldStandard(ctx context.Context, in GoldInput) (*pattern.GoldStandard, error) {
	ctx, span := tracer.Start(ctx, "learning.FlagGoldStandard")
	defer span.End()

	if strings.TrimSpace(in.CustomerText) == "" || strings.TrimSpace(in.OperatorText) == "" {
		return nil, ErrEmptyCapture
	}
	if res := l.deps.Scrubber.Scrub(in.OperatorText); res.Found() {
		l.metrics.Redactions.Inc()
		return nil, fmt.Errorf("%w: %s", ErrContainsSecret, strings.Join(res.RuleIDs(), ", "))
	}
	customer := l.deps.Scrubber.Scrub(in.CustomerText).Text

	x, err := l.deps.Extractor.Extract(ctx, customer)
	if err != nil {
		return nil, fmt.Errorf("extracting customer text: %w", err)
	}
	tmpl, err := Generalize(in.OperatorText, x.Entities)
	if err != nil {
		return nil, err
	}

	gs := pattern.NewGoldStandard(in.ConversationID, customer, in.OperatorText, in.FlaggedBy)

	existing, err := l.deps.Store.GetBySignature(ctx, x.Signature)
	switch {
	case err == nil:
		if _, err := l.deps.Store.UpdateTemplates(ctx, existing.ID, store.TemplateUpdate{
			ResponseTemplate: &tmpl,
			GoldStandard:     true,
		}); err != nil {
			return nil, fmt.Errorf("updating pattern: %w", err)
		}
		gs.PatternID = existing.ID
	case errors.Is(err, store.ErrNotFound):
		p := pattern.New(x.Signature, x.Normalized, tmpl, l.opts.InitialConfidence)
		p.Category = x.Category
		p.FromGoldStandard = true
		p.Embedding = l.embed(ctx, x.Normalized)
		if err := l.create(ctx, p); err != nil {
			return nil, err
		}
		gs.PatternID = p.ID
	default:
		return nil, fmt.Errorf("exact lookup: %w", err)
	}

	if err := l.deps.Store.FlagGoldStandard(ctx, gs); err != nil {
		return nil, fmt.Errorf("storing gold standard: %w", err)
	}
	l.metrics.Captures.WithLabelValues("gold_standard").Inc()
	l.logger.Info("gold standard flagged",
		zap.String("conversation.id", gs.ConversationID),
		zap.String("pattern.id", gs.PatternID),
		zap.String("flagged_by", gs.FlaggedBy))
	return gs, nil
}

// SeedInput is a pattern written by hand rather than learned.
type SeedInput struct {
	Trigger          string
	ResponseTemplate string
	Action           *pattern.Action
	Category         pattern.Category
}

// Seed creates a learned pattern from an operator-authored trigger and
// response. It starts at the initial confidence like any learned pattern.
func (l *Learner) Seed(ctx context.Context, in SeedInput) (*pattern.Pattern, error) {
	ctx, span := tracer.Start(ctx, "learning.Seed")
	defer span.End()

	if strings.TrimSpace(in.Trigger) == "" {
		return nil, ErrEmptyCapture
	}
	if in.Action != nil {
		if err := in.Action.Validate(); err != nil {
			return nil, err
		}
	}
	if in.ResponseTemplate != "" {
		if _, err := render.Variables(in.ResponseTemplate); err != nil {
			return nil, fmt.Errorf("invalid template: %w", err)
		}
		if res := l.deps.Scrubber.Scrub(in.ResponseTemplate); res.Found() {
			l.metrics.Redactions.Inc()
			return nil, fmt.Errorf("%w: %s", ErrContainsSecret, strings.Join(res.RuleIDs(), ", "))
		}
	}

	x, err := l.deps.Extractor.Extract(ctx, in.Trigger)
	if err != nil {
		return nil, fmt.Errorf("extracting trigger: %w", err)
	}
	p := pattern.New(x.Signature, x.Normalized, in.ResponseTemplate, l.opts.InitialConfidence)
	p.Category = x.Category
	if in.Category != "" {
		p.Category = in.Category
	}
	if in.Action != nil {
		a := in.Action.Clone()
		p.Action = &a
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Embedding = l.embed(ctx, x.Normalized)
	if err := l.create(ctx, p); err != nil {
		return nil, err
	}
	l.metrics.Captures.WithLabelValues("seeded").Inc()
	l.logger.Info("pattern seeded",
		zap.String("pattern.id", p.ID),
		zap.String("category", string(p.Category)))
	return p, nil
}

func sameVariables(a, b string) bool {
	va, err := render.Variables(a)
	if err != nil {
		return false
	}
	vb, err := render.Variables(b)
	if err != nil {
		return false
	}
	seen := map[string]bool{}
	for _, v := range va {
		seen[v] = true
	}
	other := map[string]bool{}
	for _, v := range vb {
		if !seen[v] {
			return false
		}
		other[v] = true
	}
	return len(other) == len(seen)
}
