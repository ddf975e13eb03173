// Package executor turns a ranked match into a decision and carries it out.
//
// The decision table is evaluated in order: shadow mode, global disable,
// escalated conversation, no usable candidate, render, auto band, middle
// band. Autonomous effects happen only for auto-executable patterns whose
// feature flag is on and whose templates rendered completely. The execution
// record is written before any send or action, so no effect goes unrecorded;
// if it cannot be written the message escalates instead. Sends and actions
// are never retried; a failure escalates and resolves the execution as a
// failure. Every decision, shadow ones included, is written to the
// audit log.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/conversation"
	"github.com/fyrsmithlabs/patternd/internal/matcher"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("patternd.executor")

// ErrMissingCollaborator is returned by New when a required dependency is nil.
var ErrMissingCollaborator = errors.New("executor collaborator is required")

// Kind is what the executor decided to do.
type Kind string

const (
	KindShadow            Kind = "shadow"
	KindEscalate          Kind = "escalate"
	KindSuggest           Kind = "suggest"
	KindAutoSend          Kind = "auto_send"
	KindAutoAction        Kind = "auto_action"
	KindAwaitConfirmation Kind = "await_confirmation"
)

// Decision reasons.
const (
	ReasonShadowMode           = "shadow_mode"
	ReasonDisabled             = "disabled"
	ReasonConversationEscalate = "conversation_escalated"
	ReasonNoCandidate          = "no_candidate"
	ReasonBelowMinimum         = "below_minimum"
	ReasonRenderFailed         = "render_failed"
	ReasonAutoExecutable       = "auto_executable"
	ReasonConfirmationRequired = "confirmation_required"
	ReasonConfirmed            = "confirmed"
	ReasonFeatureDisabled      = "feature_disabled"
	ReasonMiddleBand           = "middle_band"
	ReasonSendFailed           = "send_failed"
	ReasonActionFailed         = "action_failed"
	ReasonRecordFailed         = "record_failed"
)

// Request is one inbound message ready for a decision.
type Request struct {
	ConversationID string
	CustomerText   string
	Candidates     []matcher.Candidate

	// Entities and Context feed the renderer, entities first.
	Entities map[string]any
	Context  map[string]any

	// Phase is the conversation's current phase.
	Phase pattern.Phase

	// Degraded notes that semantic matching was skipped.
	Degraded bool
}

// Decision is the outcome of Decide.
type Decision struct {
	Kind   Kind
	Reason string

	// Planned is what would have happened; set on shadow decisions, whose
	// Reason is the planned reason.
	Planned Kind

	Candidate *matcher.Candidate
	Record    *pattern.ExecutionRecord

	Text    string
	Action  *pattern.Action
	Variant string

	// ExpiresAt is the end of the confirmation window for KindAwaitConfirmation.
	ExpiresAt time.Time

	// Cause is the collaborator or render error behind an escalation.
	Cause error
}

// PatternID returns the chosen pattern's id, or "".
func (d Decision) PatternID() string {
	if d.Candidate == nil || d.Candidate.Pattern == nil {
		return ""
	}
	return d.Candidate.Pattern.ID
}

// ExecutionID returns the execution record id, or "".
func (d Decision) ExecutionID() string {
	if d.Record == nil {
		return ""
	}
	return d.Record.ID
}

// Autonomous reports whether the customer saw an automated effect.
func (d Decision) Autonomous() bool {
	switch d.Kind {
	case KindAutoSend, KindAutoAction, KindAwaitConfirmation:
		return true
	}
	return false
}

// Deps are the executor's collaborators. Variants is optional.
type Deps struct {
	Flags    FlagSource
	Records  Recorder
	Outcomes OutcomeReporter
	Sender   Sender
	Actions  ActionRunner
	Humans   HumanQueue
	Variants VariantPicker
}

// Options configures an Executor.
type Options struct {
	Thresholds pattern.Thresholds

	// ConfirmationWindow is how long a proposed action waits. Default 10m.
	ConfirmationWindow time.Duration

	// CallTimeout bounds each send or action call. Default 5s.
	CallTimeout time.Duration

	Metrics *Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// Executor applies the decision table.
type Executor struct {
	deps    Deps
	t       pattern.Thresholds
	window  time.Duration
	timeout time.Duration
	metrics *Metrics
	logger  *zap.Logger
	audit   *zap.Logger
	now     func() time.Time
}

// New creates an Executor.
func New(deps Deps, opts Options) (*Executor, error) {
	switch {
	case deps.Flags == nil:
		return nil, fmt.Errorf("%w: flags", ErrMissingCollaborator)
	case deps.Records == nil:
		return nil, fmt.Errorf("%w: records", ErrMissingCollaborator)
	case deps.Outcomes == nil:
		return nil, fmt.Errorf("%w: outcomes", ErrMissingCollaborator)
	case deps.Sender == nil:
		return nil, fmt.Errorf("%w: sender", ErrMissingCollaborator)
	case deps.Actions == nil:
		return nil, fmt.Errorf("%w: action runner", ErrMissingCollaborator)
	case deps.Humans == nil:
		return nil, fmt.Errorf("%w: human queue", ErrMissingCollaborator)
	}
	if opts.Thresholds == (pattern.Thresholds{}) {
		opts.Thresholds = pattern.DefaultThresholds()
	}
	if opts.ConfirmationWindow <= 0 {
		opts.ConfirmationWindow = 10 * time.Minute
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
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
	return &Executor{
		deps:    deps,
		t:       opts.Thresholds,
		window:  opts.ConfirmationWindow,
		timeout: opts.CallTimeout,
		metrics: opts.Metrics,
		logger:  logger,
		audit:   logger.Named("audit"),
		now:     opts.Now,
	}, nil
}

// Decide evaluates the decision table for req and performs its effects.
// The returned error is non-nil only for bookkeeping failures; collaborator
// failures are handled by escalating and reported in Decision.Cause.
func (e *Executor) Decide(ctx context.Context, req Request) (Decision, error) {
	ctx, span := tracer.Start(ctx, "executor.Decide")
	defer span.End()

	flags := e.deps.Flags.Flags()
	d := e.plan(ctx, req, flags.Enabled, flags.AutoSend, flags.AutoAction)

	var err error
	if flags.ShadowMode {
		d, err = e.shadow(ctx, req, d)
	} else {
		d, err = e.carryOut(ctx, req, d)
	}

	span.SetAttributes(
		attribute.String("decision", string(d.Kind)),
		attribute.String("reason", d.Reason),
		attribute.String("pattern.id", d.PatternID()),
	)
	e.log(req.ConversationID, d, flags.ShadowMode, req.Degraded)
	e.metrics.Decisions.WithLabelValues(string(d.Kind), d.Reason).Inc()
	return d, err
}

// plan computes the decision without any side effect.
func (e *Executor) plan(ctx context.Context, req Request, enabled, autoSend, autoAction bool) Decision {
	if !enabled {
		return Decision{Kind: KindEscalate, Reason: ReasonDisabled}
	}
	if req.Phase == pattern.PhaseEscalated {
		return Decision{Kind: KindEscalate, Reason: ReasonConversationEscalate}
	}

	cand, reason := e.pick(req.Candidates)
	if cand == nil {
		return Decision{Kind: KindEscalate, Reason: reason}
	}
	d := Decision{Candidate: cand}
	p := cand.Pattern

	tmpl := p.ResponseTemplate
	if e.deps.Variants != nil && tmpl != "" {
		if name, vt, ok := e.deps.Variants.PickVariant(ctx, p.ID, req.ConversationID); ok {
			tmpl, d.Variant = vt, name
		}
	}

	text, action, err := renderAll(tmpl, p.Action, req.Entities, req.Context)
	if err != nil {
		d.Kind, d.Reason, d.Cause = KindEscalate, ReasonRenderFailed, err
		return d
	}
	d.Text, d.Action = text, action

	switch {
	case !p.AutoExecutable:
		d.Kind, d.Reason = KindSuggest, ReasonMiddleBand
	case action != nil && !autoAction, action == nil && !autoSend:
		d.Kind, d.Reason = KindSuggest, ReasonFeatureDisabled
	case action != nil && action.RequiresConfirmation():
		d.Kind, d.Reason = KindAwaitConfirmation, ReasonConfirmationRequired
		if d.Text == "" {
			d.Text = Describe(*action)
		}
		d.ExpiresAt = e.now().Add(e.window).UTC()
	case action != nil:
		d.Kind, d.Reason = KindAutoAction, ReasonAutoExecutable
	default:
		d.Kind, d.Reason = KindAutoSend, ReasonAutoExecutable
	}
	return d
}

// pick returns the first candidate at or above the minimum-to-suggest mark.
func (e *Executor) pick(cands []matcher.Candidate) (*matcher.Candidate, string) {
	for i := range cands {
		if cands[i].Pattern != nil && cands[i].Pattern.Confidence >= e.t.MinSuggest {
			c := cands[i]
			return &c, ""
		}
	}
	if len(cands) == 0 {
		return nil, ReasonNoCandidate
	}
	return nil, ReasonBelowMinimum
}

// renderAll renders the text and action together; either failing fails both.
func renderAll(tmpl string, a *pattern.Action, entities, vars map[string]any) (string, *pattern.Action, error) {
	var text string
	if tmpl != "" {
		t, err := render.Render(tmpl, entities, vars)
		if err != nil {
			return "", nil, err
		}
		text = t
	}
	if a == nil || a.Type == pattern.ActionNone {
		return text, nil, nil
	}
	ra, err := render.RenderAction(*a, entities, vars)
	if err != nil {
		return "", nil, err
	}
	return text, &ra, nil
}

// shadow records what would have happened and does nothing else. The
// planned reason is kept so shadow traffic can be compared with live traffic.
func (e *Executor) shadow(ctx context.Context, req Request, plan Decision) (Decision, error) {
	d := plan
	d.Planned, d.Kind = plan.Kind, KindShadow
	d.ExpiresAt = time.Time{}
	if d.Candidate == nil {
		return d, nil
	}
	rec := e.newRecord(req.ConversationID, plan, pattern.ActionTakenShadowed, plan.Reason)
	if err := e.persist(ctx, rec); err != nil {
		return d, err
	}
	d.Record = rec
	return d, nil
}

func (e *Executor) carryOut(ctx context.Context, req Request, d Decision) (Decision, error) {
	switch d.Kind {
	case KindEscalate:
		if d.Candidate != nil {
			rec := e.newRecord(req.ConversationID, d, pattern.ActionTakenEscalated, d.Reason)
			if err := e.persist(ctx, rec); err != nil {
				e.escalate(ctx, req, d)
				return d, err
			}
			d.Record = rec
		}
		e.escalate(ctx, req, d)
		return d, nil

	case KindSuggest:
		rec := e.newRecord(req.ConversationID, d, pattern.ActionTakenSuggested, d.Reason)
		if err := e.persist(ctx, rec); err != nil {
			return d, err
		}
		d.Record = rec
		e.suggest(ctx, req, d)
		return d, nil

	case KindAutoSend, KindAwaitConfirmation:
		rec := e.newRecord(req.ConversationID, d, pattern.ActionTakenSent, d.Reason)
		if err := e.persist(ctx, rec); err != nil {
			return e.unrecorded(ctx, req, d, err)
		}
		d.Record = rec
		if err := e.send(ctx, req.ConversationID, d.Text); err != nil {
			return e.fail(ctx, req, d, rec, ReasonSendFailed, err)
		}
		return d, nil

	case KindAutoAction:
		rec := e.newRecord(req.ConversationID, d, pattern.ActionTakenExecutedAction, d.Reason)
		if err := e.persist(ctx, rec); err != nil {
			return e.unrecorded(ctx, req, d, err)
		}
		d.Record = rec
		if err := e.run(ctx, *d.Action); err != nil {
			return e.fail(ctx, req, d, rec, ReasonActionFailed, err)
		}
		if d.Text != "" {
			if err := e.send(ctx, req.ConversationID, d.Text); err != nil {
				return e.fail(ctx, req, d, rec, ReasonSendFailed, err)
			}
		}
		return d, nil
	}
	return d, fmt.Errorf("unhandled decision kind %q", d.Kind)
}

// unrecorded escalates an autonomous decision whose record could not be
// written. Nothing has been sent or run.
func (e *Executor) unrecorded(ctx context.Context, req Request, d Decision, cause error) (Decision, error) {
	e.logger.Error("execution not recorded, escalating without acting",
		zap.String("conversation.id", req.ConversationID),
		zap.String("pattern.id", d.PatternID()),
		zap.Error(cause))
	d.Kind, d.Reason, d.Cause = KindEscalate, ReasonRecordFailed, cause
	d.ExpiresAt = time.Time{}
	e.escalate(ctx, req, d)
	return d, cause
}

// fail escalates after a collaborator error and resolves the execution as a failure.
func (e *Executor) fail(ctx context.Context, req Request, d Decision, rec *pattern.ExecutionRecord, reason string, cause error) (Decision, error) {
	e.logger.Warn("autonomous effect failed, escalating",
		zap.String("conversation.id", req.ConversationID),
		zap.String("pattern.id", d.PatternID()),
		zap.String("reason", reason),
		zap.Error(cause))

	d.Kind, d.Reason, d.Cause = KindEscalate, reason, cause
	d.ExpiresAt = time.Time{}
	rec.ActionTaken = pattern.ActionTakenEscalated
	rec.Reason = reason
	d.Record = rec

	var err error
	if uerr := e.updateAction(ctx, rec.ID, pattern.ActionTakenEscalated, reason); uerr != nil {
		err = uerr
	}
	if _, rerr := e.deps.Outcomes.ReportOutcome(ctx, rec.ID, pattern.OutcomeFailure); rerr != nil {
		err = errors.Join(err, fmt.Errorf("reporting failure outcome: %w", rerr))
	}
	e.escalate(ctx, req, d)
	return d, err
}

// RunConfirmed executes an action the customer confirmed in time. Flags are
// re-read, since they may have changed while the confirmation was pending.
func (e *Executor) RunConfirmed(ctx context.Context, p conversation.Pending) (Decision, error) {
	ctx, span := tracer.Start(ctx, "executor.RunConfirmed")
	defer span.End()

	if p.Action == nil {
		return Decision{}, errors.New("confirmed pending has no action")
	}
	d := Decision{
		Kind:   KindAutoAction,
		Reason: ReasonConfirmed,
		Action: p.Action,
		Record: &pattern.ExecutionRecord{ID: p.ExecutionID, PatternID: p.PatternID, ConversationID: p.ConversationID},
	}
	req := Request{ConversationID: p.ConversationID}

	flags := e.deps.Flags.Flags()
	var err error
	switch {
	case flags.ShadowMode:
		d.Planned, d.Kind, d.Reason = KindAutoAction, KindShadow, ReasonShadowMode
		err = e.resolve(ctx, p.ExecutionID, pattern.OutcomeUnknown)
	case !flags.Enabled || !flags.AutoAction:
		d.Kind, d.Reason = KindEscalate, ReasonFeatureDisabled
		err = e.resolve(ctx, p.ExecutionID, pattern.OutcomeUnknown)
		e.escalate(ctx, req, d)
	default:
		if rerr := e.run(ctx, *p.Action); rerr != nil {
			d.Kind, d.Reason, d.Cause = KindEscalate, ReasonActionFailed, rerr
			err = errors.Join(
				e.updateAction(ctx, p.ExecutionID, pattern.ActionTakenEscalated, ReasonActionFailed),
				e.resolve(ctx, p.ExecutionID, pattern.OutcomeFailure),
			)
			e.escalate(ctx, req, d)
			break
		}
		err = e.updateAction(ctx, p.ExecutionID, pattern.ActionTakenExecutedAction, ReasonConfirmed)
	}

	span.SetAttributes(attribute.String("decision", string(d.Kind)))
	e.log(p.ConversationID, d, flags.ShadowMode, false)
	e.metrics.Decisions.WithLabelValues(string(d.Kind), d.Reason).Inc()
	return d, err
}

func (e *Executor) resolve(ctx context.Context, executionID string, o pattern.Outcome) error {
	if executionID == "" {
		return nil
	}
	if _, err := e.deps.Outcomes.ReportOutcome(ctx, executionID, o); err != nil {
		return fmt.Errorf("resolving execution %s as %s: %w", executionID, o, err)
	}
	return nil
}

func (e *Executor) newRecord(conversationID string, d Decision, taken pattern.ActionTaken, reason string) *pattern.ExecutionRecord {
	p := d.Candidate.Pattern
	rec := pattern.NewExecutionRecord(p.ID, conversationID, taken, p.Confidence)
	rec.MatchedAt = e.now().UTC()
	rec.Reason = reason
	rec.RenderedText = d.Text
	rec.Variant = d.Variant
	return rec
}

func (e *Executor) persist(ctx context.Context, rec *pattern.ExecutionRecord) error {
	if err := e.deps.Records.RecordExecution(ctx, rec); err != nil {
		e.metrics.Failures.WithLabelValues("recorder").Inc()
		return fmt.Errorf("recording execution: %w", err)
	}
	return nil
}

func (e *Executor) updateAction(ctx context.Context, executionID string, taken pattern.ActionTaken, reason string) error {
	if executionID == "" {
		return nil
	}
	if err := e.deps.Records.UpdateExecutionAction(ctx, executionID, taken, reason); err != nil {
		e.metrics.Failures.WithLabelValues("recorder").Inc()
		return fmt.Errorf("updating execution %s: %w", executionID, err)
	}
	return nil
}

func (e *Executor) send(ctx context.Context, conversationID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.deps.Sender.Send(ctx, conversationID, text); err != nil {
		e.metrics.Failures.WithLabelValues("sender").Inc()
		return err
	}
	return nil
}

func (e *Executor) run(ctx context.Context, a pattern.Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.deps.Actions.Execute(ctx, a); err != nil {
		e.metrics.Failures.WithLabelValues("action_runner").Inc()
		return err
	}
	return nil
}

// escalate and suggest are notifications; failures are logged, not returned.
func (e *Executor) escalate(ctx context.Context, req Request, d Decision) {
	esc := Escalation{
		ConversationID: req.ConversationID,
		Reason:         d.Reason,
		CustomerText:   req.CustomerText,
		PatternID:      d.PatternID(),
		ExecutionID:    d.ExecutionID(),
	}
	if d.Candidate != nil {
		esc.Confidence = d.Candidate.Pattern.Confidence
	}
	if err := e.deps.Humans.Escalate(ctx, esc); err != nil {
		e.metrics.Failures.WithLabelValues("human_queue").Inc()
		e.logger.Error("escalation not delivered",
			zap.String("conversation.id", req.ConversationID), zap.Error(err))
	}
}

func (e *Executor) suggest(ctx context.Context, req Request, d Decision) {
	s := Suggestion{
		ConversationID: req.ConversationID,
		PatternID:      d.PatternID(),
		ExecutionID:    d.ExecutionID(),
		CustomerText:   req.CustomerText,
		Text:           d.Text,
		Action:         d.Action,
		Confidence:     d.Candidate.Pattern.Confidence,
		Reason:         d.Reason,
	}
	if err := e.deps.Humans.Suggest(ctx, s); err != nil {
		e.metrics.Failures.WithLabelValues("human_queue").Inc()
		e.logger.Error("suggestion not delivered",
			zap.String("conversation.id", req.ConversationID), zap.Error(err))
	}
}

func (e *Executor) log(conversationID string, d Decision, shadow, degraded bool) {
	fields := []zap.Field{
		zap.String("conversation.id", conversationID),
		zap.String("decision", string(d.Kind)),
		zap.String("reason", d.Reason),
		zap.Bool("shadow", shadow),
	}
	if d.Planned != "" {
		fields = append(fields, zap.String("planned", string(d.Planned)))
	}
	if c := d.Candidate; c != nil {
		fields = append(fields,
			zap.String("pattern.id", c.Pattern.ID),
			zap.Float64("confidence", c.Pattern.Confidence),
			zap.Float64("score", c.Score),
			zap.String("match_type", string(c.MatchType)),
		)
	} else if d.Record != nil && d.Record.PatternID != "" {
		fields = append(fields, zap.String("pattern.id", d.Record.PatternID))
	}
	if id := d.ExecutionID(); id != "" {
		fields = append(fields, zap.String("execution.id", id))
	}
	if d.Text != "" {
		fields = append(fields, zap.String("rendered_text", d.Text))
	}
	if d.Action != nil {
		fields = append(fields, zap.String("action", string(d.Action.Type)))
	}
	if d.Variant != "" {
		fields = append(fields, zap.String("variant", d.Variant))
	}
	if degraded {
		fields = append(fields, zap.Bool("degraded", true))
	}
	if d.Cause != nil {
		fields = append(fields, zap.NamedError("cause", d.Cause))
	}
	e.audit.Info("executor decision", fields...)
}
