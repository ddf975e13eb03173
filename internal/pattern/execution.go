package pattern

import (
	"time"

	"github.com/google/uuid"
)

// ActionTaken is what the executor did with a match.
type ActionTaken string

const (
	ActionTakenSent           ActionTaken = "sent"
	ActionTakenSuggested      ActionTaken = "suggested"
	ActionTakenExecutedAction ActionTaken = "executed_action"
	ActionTakenEscalated      ActionTaken = "escalated"

	// ActionTakenShadowed records a shadow-mode decision. It has no customer-visible
	// effect and never moves confidence.
	ActionTakenShadowed ActionTaken = "shadowed"
)

// Valid reports whether a is a known action.
func (a ActionTaken) Valid() bool {
	switch a {
	case ActionTakenSent, ActionTakenSuggested, ActionTakenExecutedAction, ActionTakenEscalated, ActionTakenShadowed:
		return true
	}
	return false
}

// Outcome is the observed result of an execution.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeModified Outcome = "modified"
	OutcomeUnknown  Outcome = "unknown"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeModified, OutcomeUnknown:
		return true
	}
	return false
}

// ExecutionRecord is one row per time a pattern was matched and acted upon.
//
// Created synchronously with the match decision with Outcome unknown; the
// outcome is back-filled once observable.
type ExecutionRecord struct {
	ID               string      `json:"id"`
	PatternID        string      `json:"pattern_id"`
	ConversationID   string      `json:"conversation_id"`
	MatchedAt        time.Time   `json:"matched_at"`
	ActionTaken      ActionTaken `json:"action_taken"`
	Outcome          Outcome     `json:"outcome"`
	ConfidenceAtTime float64     `json:"confidence_at_time"`

	// Reason is the executor's decision reason, kept for audit.
	Reason string `json:"reason,omitempty"`

	// RenderedText is what was (or would have been) sent.
	RenderedText string `json:"rendered_text,omitempty"`

	// Variant names the experiment arm used, if any.
	Variant string `json:"variant,omitempty"`

	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// NewExecutionRecord creates an unresolved record.
func NewExecutionRecord(patternID, conversationID string, action ActionTaken, confidence float64) *ExecutionRecord {
	return &ExecutionRecord{
		ID:               uuid.New().String(),
		PatternID:        patternID,
		ConversationID:   conversationID,
		MatchedAt:        time.Now().UTC(),
		ActionTaken:      action,
		Outcome:          OutcomeUnknown,
		ConfidenceAtTime: confidence,
	}
}

// Resolved reports whether the outcome has been back-filled.
func (r *ExecutionRecord) Resolved() bool {
	return r.ResolvedAt != nil
}

// GoldStandard is an operator- or reviewer-flagged exemplar exchange.
// Immutable once flagged; a re-flag supersedes it with a new row.
type GoldStandard struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	CustomerText   string    `json:"customer_text"`
	OperatorText   string    `json:"operator_text"`
	FlaggedBy      string    `json:"flagged_by"`
	FlaggedAt      time.Time `json:"flagged_at"`
	PatternID      string    `json:"pattern_id,omitempty"`
	SupersededBy   string    `json:"superseded_by,omitempty"`
}

// NewGoldStandard creates a flagged interaction.
func NewGoldStandard(conversationID, customerText, operatorText, flaggedBy string) *GoldStandard {
	return &GoldStandard{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		CustomerText:   customerText,
		OperatorText:   operatorText,
		FlaggedBy:      flaggedBy,
		FlaggedAt:      time.Now().UTC(),
	}
}
