package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// transitions lists the allowed phase changes.
var transitions = map[pattern.Phase][]pattern.Phase{
	pattern.PhaseNew: {
		pattern.PhaseAwaitingCustomer, pattern.PhaseAwaitingConfirmation,
		pattern.PhaseEscalated, pattern.PhaseClosed,
	},
	pattern.PhaseAwaitingCustomer: {
		pattern.PhaseAwaitingCustomer, pattern.PhaseAwaitingConfirmation,
		pattern.PhaseEscalated, pattern.PhaseClosed,
	},
	pattern.PhaseAwaitingConfirmation: {
		pattern.PhaseAwaitingCustomer, pattern.PhaseEscalated, pattern.PhaseClosed,
	},
	pattern.PhaseEscalated: {pattern.PhaseClosed},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to pattern.Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Pending is a proposed action awaiting customer confirmation.
type Pending struct {
	ConversationID string
	PatternID      string
	ExecutionID    string
	Action         *pattern.Action
}

func pendingOf(s *pattern.ConversationState) Pending {
	p := Pending{
		ConversationID: s.ConversationID,
		PatternID:      s.PendingPatternID,
		ExecutionID:    s.PendingExecutionID,
	}
	if s.PendingAction != nil {
		a := s.PendingAction.Clone()
		p.Action = &a
	}
	return p
}

// Tx is one unit of work on a conversation, created by the Manager while
// the conversation lock is held. Changes are persisted when the unit ends.
type Tx struct {
	m              *Manager
	conversationID string
	state          *pattern.ConversationState
	retired        []*pattern.ConversationState
	dirty          bool
}

// ConversationID returns the conversation the transaction is bound to.
func (tx *Tx) ConversationID() string {
	return tx.conversationID
}

// State returns the active state, or nil if the conversation has none.
// Callers may read it; mutations go through the transition methods.
func (tx *Tx) State() *pattern.ConversationState {
	return tx.state
}

// Begin records an inbound message. It starts a new state when none is
// active or when the boundary detector says the message opens a new
// conversation, closing the previous one first. Escalated conversations and
// pending confirmations are never split.
func (tx *Tx) Begin(msg Message) (started bool, err error) {
	if s := tx.state; s != nil && (s.Phase == pattern.PhaseNew || s.Phase == pattern.PhaseAwaitingCustomer) {
		if tx.m.detector.IsNewConversation(s, msg) {
			tx.retire("new_conversation")
		}
	}

	if tx.state == nil {
		tx.state = pattern.NewConversationState(tx.conversationID, msg.At)
		started = true
	} else {
		observeLatency(tx.state, msg.At)
	}

	s := tx.state
	s.MessageCount++
	if msg.At.After(s.LastActivityAt) {
		s.LastActivityAt = msg.At
	}
	s.LastInboundText = msg.Text
	if msg.Category != "" {
		s.Category = msg.Category
	}
	tx.dirty = true
	return started, nil
}

// Responded moves a conversation to awaiting_customer after a response.
func (tx *Tx) Responded() error {
	return tx.move(pattern.PhaseAwaitingCustomer)
}

// AwaitConfirmation records a proposed action and starts its confirmation window.
func (tx *Tx) AwaitConfirmation(patternID, executionID string, action pattern.Action, until time.Time) error {
	if err := tx.move(pattern.PhaseAwaitingConfirmation); err != nil {
		return err
	}
	s := tx.state
	a := action.Clone()
	s.PendingPatternID = patternID
	s.PendingExecutionID = executionID
	s.PendingAction = &a
	t := until.UTC()
	s.ExpiresAt = &t
	return nil
}

// Confirm returns the pending action if now is strictly before the expiry.
// At or after the expiry the conversation is closed as expired and
// ErrConfirmationExpired returned; the action must not run.
func (tx *Tx) Confirm(now time.Time) (Pending, error) {
	s := tx.state
	if s == nil || s.Phase != pattern.PhaseAwaitingConfirmation {
		return Pending{}, tx.invalid(pattern.PhaseAwaitingCustomer)
	}
	p := pendingOf(s)
	if s.ExpiresAt == nil || !now.Before(*s.ExpiresAt) {
		tx.retire("expired")
		return p, ErrConfirmationExpired
	}
	s.ClearPending()
	s.Phase = pattern.PhaseAwaitingCustomer
	tx.dirty = true
	return p, nil
}

// Decline discards the pending action and returns to awaiting_customer.
func (tx *Tx) Decline() (Pending, error) {
	s := tx.state
	if s == nil || s.Phase != pattern.PhaseAwaitingConfirmation {
		return Pending{}, tx.invalid(pattern.PhaseAwaitingCustomer)
	}
	p := pendingOf(s)
	s.ClearPending()
	s.Phase = pattern.PhaseAwaitingCustomer
	tx.dirty = true
	return p, nil
}

// Expire closes a confirmation whose window has passed.
func (tx *Tx) Expire(now time.Time) (Pending, bool) {
	s := tx.state
	if s == nil || s.Phase != pattern.PhaseAwaitingConfirmation || s.ExpiresAt == nil || now.Before(*s.ExpiresAt) {
		return Pending{}, false
	}
	p := pendingOf(s)
	tx.retire("expired")
	return p, true
}

// Escalate hands the conversation to a human, suppressing autonomous action
// until a human closes it. Any pending action is discarded and returned.
// Escalating an escalated conversation is a no-op.
func (tx *Tx) Escalate(reason string) (Pending, error) {
	s := tx.state
	if s != nil && s.Phase == pattern.PhaseEscalated {
		return Pending{}, nil
	}
	if s == nil || !CanTransition(s.Phase, pattern.PhaseEscalated) {
		return Pending{}, tx.invalid(pattern.PhaseEscalated)
	}
	p := pendingOf(s)
	s.ClearPending()
	s.Phase = pattern.PhaseEscalated
	s.CloseReason = reason
	tx.dirty = true
	return p, nil
}

// Close ends the conversation. Any pending action is discarded and returned.
func (tx *Tx) Close(reason string) (Pending, error) {
	s := tx.state
	if s == nil {
		return Pending{}, tx.invalid(pattern.PhaseClosed)
	}
	p := pendingOf(s)
	tx.retire(reason)
	return p, nil
}

// MergeContext folds entity values into the conversation context.
func (tx *Tx) MergeContext(values map[string]any) {
	if tx.state == nil || len(values) == 0 {
		return
	}
	if tx.state.Context == nil {
		tx.state.Context = map[string]any{}
	}
	for k, v := range values {
		tx.state.Context[k] = v
	}
	tx.dirty = true
}

// RecordMatch notes the decision made for the latest inbound message.
func (tx *Tx) RecordMatch(patternID, executionID string, confident bool, suggested string) {
	if tx.state == nil {
		return
	}
	s := tx.state
	s.LastMatchPatternID = patternID
	s.LastMatchExecutionID = executionID
	s.LastMatchConfident = confident
	s.LastSuggestedText = suggested
	if patternID != "" {
		s.MissCount = 0
	}
	tx.dirty = true
}

// RecordMiss counts a message with no usable candidate and returns the
// consecutive miss count.
func (tx *Tx) RecordMiss() int {
	if tx.state == nil {
		return 0
	}
	tx.state.MissCount++
	tx.state.LastMatchPatternID = ""
	tx.state.LastMatchExecutionID = ""
	tx.state.LastMatchConfident = false
	tx.state.LastSuggestedText = ""
	tx.dirty = true
	return tx.state.MissCount
}

// ConsumeExchange clears the latest inbound message and match once an
// operator reply has been paired with them, so later replies are not.
func (tx *Tx) ConsumeExchange() {
	if tx.state == nil {
		return
	}
	s := tx.state
	s.LastInboundText = ""
	s.LastMatchPatternID = ""
	s.LastMatchExecutionID = ""
	s.LastMatchConfident = false
	s.LastSuggestedText = ""
	tx.dirty = true
}

// Touch records operator or system activity without a phase change.
func (tx *Tx) Touch(at time.Time) {
	if tx.state == nil || !at.After(tx.state.LastActivityAt) {
		return
	}
	tx.state.LastActivityAt = at
	tx.dirty = true
}

func (tx *Tx) move(to pattern.Phase) error {
	s := tx.state
	if s == nil || !CanTransition(s.Phase, to) {
		return tx.invalid(to)
	}
	s.Phase = to
	tx.dirty = true
	return nil
}

func (tx *Tx) invalid(to pattern.Phase) error {
	from := pattern.Phase("none")
	if tx.state != nil {
		from = tx.state.Phase
	}
	return fmt.Errorf("%w: %s -> %s (conversation %s)", ErrInvalidTransition, from, to, tx.conversationID)
}

// retire closes the active state and queues it for persistence.
func (tx *Tx) retire(reason string) {
	s := tx.state
	if s == nil {
		return
	}
	s.ClearPending()
	s.Phase = pattern.PhaseClosed
	s.CloseReason = reason
	tx.retired = append(tx.retired, s)
	tx.state = nil
	tx.dirty = true
}

// commit persists retired states first so the active-state constraint holds.
func (tx *Tx) commit(ctx context.Context) error {
	if !tx.dirty {
		return nil
	}
	for _, s := range tx.retired {
		if err := tx.m.repo.SaveConversation(ctx, s); err != nil {
			return fmt.Errorf("closing conversation state %s: %w", s.ID, err)
		}
	}
	tx.retired = nil
	if tx.state != nil {
		if err := tx.m.repo.SaveConversation(ctx, tx.state); err != nil {
			return fmt.Errorf("saving conversation state %s: %w", tx.state.ID, err)
		}
	}
	tx.dirty = false
	return nil
}
