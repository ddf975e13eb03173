// Package engine runs the message pipeline.
//
// Every event is processed under its conversation's lock. An inbound
// customer message is extracted, matched and handed to the executor, and the
// decision drives the conversation's state. An outbound operator message is
// paired with the customer message it answers: after an autonomous response
// it grades that response, otherwise it feeds the learning path. Our own
// sends echoed back by the platform are ignored.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/conversation"
	"github.com/fyrsmithlabs/patternd/internal/executor"
	"github.com/fyrsmithlabs/patternd/internal/extractor"
	"github.com/fyrsmithlabs/patternd/internal/learning"
	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/matcher"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("patternd.engine")

// ErrMissingDependency is returned by New when a required dependency is nil.
var ErrMissingDependency = errors.New("engine dependency is required")

// Extractor derives the signature and entities of a message.
type Extractor interface {
	Extract(ctx context.Context, text string) (*extractor.Result, error)
}

// Matcher ranks candidate patterns.
type Matcher interface {
	Match(ctx context.Context, q matcher.Query) (*matcher.Result, error)
}

// Decider applies the decision table.
type Decider interface {
	Decide(ctx context.Context, req executor.Request) (executor.Decision, error)
	RunConfirmed(ctx context.Context, p conversation.Pending) (executor.Decision, error)
}

// Learner consumes operator replies.
type Learner interface {
	Learn(ctx context.Context, c learning.Capture) (*learning.Result, error)
	Override(ctx context.Context, executionID, sent, reply string) (pattern.Outcome, error)
}

// UsageMarker records that a pattern was matched.
type UsageMarker interface {
	MarkUsed(ctx context.Context, id string, at time.Time) error
}

// Worker is a background loop started and stopped with the service.
type Worker interface {
	Start() error
	Stop() error
}

// Deps are the service's collaborators. Learner and Workers are optional.
type Deps struct {
	Conversations *conversation.Manager
	Patterns      UsageMarker
	Extractor     Extractor
	Matcher       Matcher
	Executor      Decider
	Outcomes      executor.OutcomeReporter
	Flags         executor.FlagSource
	Learner       Learner
	Workers       []Worker
}

// Options configures a Service.
type Options struct {
	// Triggers decide when a conversation is handed to a human. Nil means
	// conversation.DefaultTriggers.
	Triggers *conversation.Triggers

	// SweepInterval is how often expired confirmations are discarded.
	// Zero keeps the sweeper default.
	SweepInterval time.Duration

	// IdleTimeout closes conversations idle for this long. Zero disables.
	IdleTimeout time.Duration

	Metrics *Metrics
	Logger  *zap.Logger
}

// Step is what handling an event amounted to.
type Step string

const (
	StepDecided   Step = "decided"
	StepConfirmed Step = "confirmed"
	StepDeclined  Step = "declined"
	StepExpired   Step = "expired"
	StepLearned   Step = "learned"
	StepGraded    Step = "graded"
	StepIgnored   Step = "ignored"
	StepDeferred  Step = "deferred"
)

// Result reports how an event was handled.
type Result struct {
	ConversationID  string           `json:"conversation_id"`
	Step            Step             `json:"step"`
	NewConversation bool             `json:"new_conversation,omitempty"`
	Decision        executor.Kind    `json:"decision,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	PatternID       string           `json:"pattern_id,omitempty"`
	ExecutionID     string           `json:"execution_id,omitempty"`
	Text            string           `json:"text,omitempty"`
	Outcome         pattern.Outcome  `json:"outcome,omitempty"`
	Escalation      string           `json:"escalation,omitempty"`
	Learned         *learning.Result `json:"learned,omitempty"`
}

func (r *Result) decided(d executor.Decision) {
	r.Decision = d.Kind
	r.Reason = d.Reason
	r.PatternID = d.PatternID()
	if r.PatternID == "" && d.Record != nil {
		r.PatternID = d.Record.PatternID
	}
	r.ExecutionID = d.ExecutionID()
	r.Text = d.Text
}

// envelope is the persisted form of an event, tagged so the submitting
// call can pick out its own result among replayed ones.
type envelope struct {
	Token string       `json:"token"`
	Event MessageEvent `json:"event"`
}

type sinkKey struct{}

type resultSink struct {
	token string
	res   *Result
}

// Service is the pipeline entry point. It is safe for concurrent use.
type Service struct {
	deps     Deps
	triggers conversation.Triggers
	sweeper  *conversation.Sweeper
	metrics  *Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
}

// New creates a Service and registers it as the conversation manager's
// event handler.
func New(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Conversations == nil:
		return nil, fmt.Errorf("%w: conversations", ErrMissingDependency)
	case deps.Patterns == nil:
		return nil, fmt.Errorf("%w: patterns", ErrMissingDependency)
	case deps.Extractor == nil:
		return nil, fmt.Errorf("%w: extractor", ErrMissingDependency)
	case deps.Matcher == nil:
		return nil, fmt.Errorf("%w: matcher", ErrMissingDependency)
	case deps.Executor == nil:
		return nil, fmt.Errorf("%w: executor", ErrMissingDependency)
	case deps.Outcomes == nil:
		return nil, fmt.Errorf("%w: outcomes", ErrMissingDependency)
	case deps.Flags == nil:
		return nil, fmt.Errorf("%w: flags", ErrMissingDependency)
	}
	triggers := conversation.DefaultTriggers()
	if opts.Triggers != nil {
		triggers = *opts.Triggers
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		deps:     deps,
		triggers: triggers,
		metrics:  opts.Metrics,
		logger:   logger,
	}
	sweepOpts := []conversation.SweeperOption{
		conversation.WithIdleTimeout(opts.IdleTimeout),
		conversation.WithExpiredHandler(s.onExpired),
	}
	if opts.SweepInterval > 0 {
		sweepOpts = append(sweepOpts, conversation.WithSweepInterval(opts.SweepInterval))
	}
	sw, err := conversation.NewSweeper(deps.Conversations, logger.Named("sweeper"), sweepOpts...)
	if err != nil {
		return nil, err
	}
	s.sweeper = sw
	deps.Conversations.SetHandler(s.replay)
	return s, nil
}

// Start starts the sweeper and the background workers.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.sweeper.Start(); err != nil {
		return err
	}
	for _, w := range s.deps.Workers {
		if err := w.Start(); err != nil {
			return errors.Join(err, s.stopLocked())
		}
	}
	s.started = true
	return nil
}

// Close stops the background workers. Safe to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	return s.stopLocked()
}

func (s *Service) stopLocked() error {
	var errs []error
	for _, w := range s.deps.Workers {
		if err := w.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.sweeper.Stop(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Sweep replays deferred events, discards expired confirmations and closes
// idle conversations once.
func (s *Service) Sweep(ctx context.Context, now time.Time) (conversation.SweepResult, error) {
	return s.sweeper.RunOnce(ctx, now)
}

// Closed reports a conversation closed on request.
type Closed struct {
	ConversationID string        `json:"conversation_id"`
	PreviousPhase  pattern.Phase `json:"previous_phase"`
	Reason         string        `json:"reason"`

	// DiscardedExecutionID names a pending confirmation dropped by the close.
	DiscardedExecutionID string `json:"discarded_execution_id,omitempty"`
}

// CloseConversation closes the active state of a conversation, typically an
// escalation a human has resolved. The next inbound message starts a fresh
// conversation. A pending confirmation is discarded and its execution
// resolved as unknown.
func (s *Service) CloseConversation(ctx context.Context, conversationID, reason string) (*Closed, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrInvalidEvent)
	}
	if reason == "" {
		reason = "resolved"
	}
	var (
		out     *Closed
		pending conversation.Pending
	)
	err := s.deps.Conversations.WithLock(ctx, conversationID, func(_ context.Context, tx *conversation.Tx) error {
		cur := tx.State()
		if cur == nil {
			return fmt.Errorf("no active conversation %s: %w", conversationID, store.ErrNotFound)
		}
		out = &Closed{ConversationID: conversationID, PreviousPhase: cur.Phase, Reason: reason}
		p, err := tx.Close(reason)
		if err != nil {
			return err
		}
		pending = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pending.ExecutionID != "" {
		out.DiscardedExecutionID = pending.ExecutionID
		s.resolveUnknown(ctx, pending)
	}
	s.logger.Info("conversation closed",
		zap.String("conversation.id", conversationID),
		zap.String("previous_phase", string(out.PreviousPhase)),
		zap.String("reason", reason))
	return out, nil
}

// HandleEvent processes one message event. When the conversation is busy
// the event is queued for the lock holder and a deferred result returned.
func (s *Service) HandleEvent(ctx context.Context, ev MessageEvent) (*Result, error) {
	ctx, span := tracer.Start(ctx, "engine.HandleEvent")
	defer span.End()

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.deps.Conversations.Now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	span.SetAttributes(
		attribute.String("conversation.id", ev.ConversationID),
		attribute.String("direction", string(ev.Direction)),
	)

	start := time.Now()
	sink := &resultSink{token: uuid.NewString()}
	payload, err := json.Marshal(envelope{Token: sink.token, Event: ev})
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}

	err = s.deps.Conversations.Submit(context.WithValue(ctx, sinkKey{}, sink), ev.ConversationID, payload)
	s.metrics.Duration.WithLabelValues(string(ev.Direction)).Observe(time.Since(start).Seconds())

	res := sink.res
	switch {
	case errors.Is(err, conversation.ErrDeferred):
		res, err = &Result{ConversationID: ev.ConversationID, Step: StepDeferred}, nil
	case res == nil && err == nil:
		res = &Result{ConversationID: ev.ConversationID, Step: StepIgnored}
	}
	if err != nil {
		span.RecordError(err)
		s.metrics.Events.WithLabelValues(string(ev.Direction), "error").Inc()
		return res, err
	}
	span.SetAttributes(attribute.String("step", string(res.Step)))
	s.metrics.Events.WithLabelValues(string(ev.Direction), string(res.Step)).Inc()
	return res, nil
}

// replay is the conversation manager's handler for both fresh and deferred events.
func (s *Service) replay(ctx context.Context, tx *conversation.Tx, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	res, err := s.handle(ctx, tx, env.Event)
	if sink, ok := ctx.Value(sinkKey{}).(*resultSink); ok && sink.token == env.Token {
		sink.res = res
	}
	return err
}

func (s *Service) handle(ctx context.Context, tx *conversation.Tx, ev MessageEvent) (*Result, error) {
	ctx = logging.WithConversationID(ctx, ev.ConversationID)
	switch {
	case ev.Direction == DirectionInbound:
		return s.inbound(ctx, tx, ev)
	case ev.Role() == RoleSystem:
		tx.Touch(ev.OccurredAt)
		return &Result{ConversationID: ev.ConversationID, Step: StepIgnored}, nil
	default:
		return s.outbound(ctx, tx, ev)
	}
}

func (s *Service) inbound(ctx context.Context, tx *conversation.Tx, ev MessageEvent) (*Result, error) {
	x, err := s.deps.Extractor.Extract(ctx, ev.Text)
	if err != nil {
		return nil, fmt.Errorf("extracting message: %w", err)
	}
	started, err := tx.Begin(conversation.Message{Text: ev.Text, Category: x.Category, At: ev.OccurredAt})
	if err != nil {
		return nil, err
	}
	res := &Result{ConversationID: ev.ConversationID, Step: StepDecided, NewConversation: started}

	if tx.State().Phase == pattern.PhaseAwaitingConfirmation {
		done, err := s.confirmation(ctx, tx, ev, res)
		if done || err != nil {
			return res, err
		}
	}

	if tx.State().Phase != pattern.PhaseEscalated {
		// Misses are counted once the match is known.
		if reason, ok := s.triggers.Check(ev.Text, 0); ok {
			if err := s.escalate(tx, reason, res); err != nil {
				return res, err
			}
		}
	}

	m, err := s.deps.Matcher.Match(ctx, matcher.Query{Signature: x.Signature, Text: x.Normalized})
	if err != nil {
		s.logger.Error("matching failed, continuing without candidates",
			append(logging.ContextFields(ctx), zap.Error(err))...)
		m = &matcher.Result{Degraded: true}
	}

	entities := x.Entities.AsContext()
	tx.MergeContext(entities)
	st := tx.State()
	d, err := s.deps.Executor.Decide(ctx, executor.Request{
		ConversationID: ev.ConversationID,
		CustomerText:   ev.Text,
		Candidates:     m.Candidates,
		Entities:       entities,
		Context:        st.Context,
		Phase:          st.Phase,
		Degraded:       m.Degraded,
	})
	res.decided(d)

	if id := d.PatternID(); id != "" {
		if uerr := s.deps.Patterns.MarkUsed(ctx, id, ev.OccurredAt); uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
			s.logger.Warn("marking pattern used", zap.String("pattern.id", id), zap.Error(uerr))
		}
	}
	if terr := s.apply(tx, d, res); terr != nil {
		err = errors.Join(err, terr)
	}
	return res, err
}

// confirmation handles a message received while an action awaits
// confirmation. It reports whether the message was consumed.
func (s *Service) confirmation(ctx context.Context, tx *conversation.Tx, ev MessageEvent, res *Result) (bool, error) {
	switch {
	case conversation.IsAffirmative(ev.Text):
		p, err := tx.Confirm(ev.OccurredAt)
		res.PatternID, res.ExecutionID = p.PatternID, p.ExecutionID
		if errors.Is(err, conversation.ErrConfirmationExpired) {
			s.metrics.Confirmations.WithLabelValues("expired").Inc()
			s.resolveUnknown(ctx, p)
			res.Step = StepExpired
			return true, nil
		}
		if err != nil {
			return true, err
		}
		s.metrics.Confirmations.WithLabelValues("confirmed").Inc()
		d, err := s.deps.Executor.RunConfirmed(ctx, p)
		res.decided(d)
		res.Step = StepConfirmed
		if d.Kind == executor.KindEscalate {
			if eerr := s.escalate(tx, d.Reason, res); eerr != nil {
				err = errors.Join(err, eerr)
			}
		}
		return true, err

	case conversation.IsNegative(ev.Text):
		p, err := tx.Decline()
		if err != nil {
			return true, err
		}
		s.metrics.Confirmations.WithLabelValues("declined").Inc()
		s.resolveUnknown(ctx, p)
		res.Step = StepDeclined
		res.PatternID, res.ExecutionID = p.PatternID, p.ExecutionID
		return true, nil
	}

	// Anything else drops the proposal and is handled as a new message.
	p, err := tx.Decline()
	if err != nil {
		return true, err
	}
	s.metrics.Confirmations.WithLabelValues("abandoned").Inc()
	s.resolveUnknown(ctx, p)
	return false, nil
}

// apply moves the conversation according to a decision.
func (s *Service) apply(tx *conversation.Tx, d executor.Decision, res *Result) error {
	if d.Reason == executor.ReasonNoCandidate || d.Reason == executor.ReasonBelowMinimum {
		return s.miss(tx, res)
	}
	switch d.Kind {
	case executor.KindAutoSend, executor.KindAutoAction:
		tx.RecordMatch(d.PatternID(), d.ExecutionID(), true, d.Text)
		return tx.Responded()

	case executor.KindAwaitConfirmation:
		tx.RecordMatch(d.PatternID(), d.ExecutionID(), true, d.Text)
		return tx.AwaitConfirmation(d.PatternID(), d.ExecutionID(), *d.Action, d.ExpiresAt)

	case executor.KindSuggest, executor.KindShadow:
		if d.Candidate != nil {
			tx.RecordMatch(d.PatternID(), d.ExecutionID(), false, d.Text)
		}

	case executor.KindEscalate:
		switch d.Reason {
		case executor.ReasonSendFailed, executor.ReasonActionFailed, executor.ReasonRecordFailed:
			// Resolved as a failure, or never recorded; nothing left to grade.
			tx.RecordMatch(d.PatternID(), "", false, "")
			return s.escalate(tx, d.Reason, res)
		case executor.ReasonRenderFailed:
			tx.RecordMatch(d.PatternID(), "", false, "")
		}
	}
	return nil
}

func (s *Service) miss(tx *conversation.Tx, res *Result) error {
	misses := tx.RecordMiss()
	if s.triggers.MaxMisses > 0 && misses >= s.triggers.MaxMisses {
		return s.escalate(tx, conversation.ReasonRepeatedMisses, res)
	}
	return nil
}

func (s *Service) escalate(tx *conversation.Tx, reason string, res *Result) error {
	if st := tx.State(); st == nil || st.Phase == pattern.PhaseEscalated {
		return nil
	}
	p, err := tx.Escalate(reason)
	if err != nil {
		return err
	}
	if p.ExecutionID != "" {
		s.logger.Debug("pending action discarded by escalation", zap.String("execution.id", p.ExecutionID))
	}
	s.metrics.Escalations.WithLabelValues(reason).Inc()
	s.logger.Info("conversation escalated",
		zap.String("conversation.id", tx.ConversationID()),
		zap.String("reason", reason))
	res.Escalation = reason
	return nil
}

func (s *Service) outbound(ctx context.Context, tx *conversation.Tx, ev MessageEvent) (*Result, error) {
	res := &Result{ConversationID: ev.ConversationID, Step: StepIgnored}
	st := tx.State()
	if st == nil {
		return res, nil
	}
	tx.Touch(ev.OccurredAt)
	if st.Phase == pattern.PhaseNew || st.Phase == pattern.PhaseAwaitingCustomer {
		if err := tx.Responded(); err != nil {
			return res, err
		}
	}
	if s.deps.Learner == nil || st.LastInboundText == "" {
		return res, nil
	}

	customer := st.LastInboundText
	patternID, executionID := st.LastMatchPatternID, st.LastMatchExecutionID
	confident, suggested := st.LastMatchConfident, st.LastSuggestedText

	if confident && executionID != "" {
		tx.ConsumeExchange()
		outcome, err := s.deps.Learner.Override(ctx, executionID, suggested, ev.Text)
		if err != nil {
			return res, fmt.Errorf("grading operator override: %w", err)
		}
		res.Step, res.Outcome = StepGraded, outcome
		res.PatternID, res.ExecutionID = patternID, executionID
		return res, nil
	}

	if !s.deps.Flags.Flags().Learning {
		return res, nil
	}
	tx.ConsumeExchange()
	c := learning.Capture{
		ConversationID: ev.ConversationID,
		CustomerText:   customer,
		OperatorText:   ev.Text,
		Operator:       ev.Sender,
	}
	if executionID != "" {
		c.Suggestion = &learning.Suggestion{PatternID: patternID, ExecutionID: executionID, Text: suggested}
	}
	lr, err := s.deps.Learner.Learn(ctx, c)
	if err != nil {
		return res, fmt.Errorf("learning from operator reply: %w", err)
	}
	res.Step, res.Learned = StepLearned, lr
	res.PatternID, res.Outcome = lr.PatternID, lr.Outcome
	return res, nil
}

// onExpired resolves a discarded confirmation's execution as unknown.
func (s *Service) onExpired(ctx context.Context, p conversation.Pending) {
	s.metrics.Confirmations.WithLabelValues("expired").Inc()
	s.resolveUnknown(ctx, p)
}

func (s *Service) resolveUnknown(ctx context.Context, p conversation.Pending) {
	if p.ExecutionID == "" {
		return
	}
	if _, err := s.deps.Outcomes.ReportOutcome(ctx, p.ExecutionID, pattern.OutcomeUnknown); err != nil && !errors.Is(err, store.ErrAlreadyResolved) {
		s.logger.Warn("resolving discarded action",
			zap.String("conversation.id", p.ConversationID),
			zap.String("execution.id", p.ExecutionID),
			zap.Error(err))
	}
}
