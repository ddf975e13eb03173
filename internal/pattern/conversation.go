package pattern

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the state of a multi-turn exchange.
type Phase string

const (
	PhaseNew                  Phase = "new"
	PhaseAwaitingCustomer     Phase = "awaiting_customer"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseClosed               Phase = "closed"
	PhaseEscalated            Phase = "escalated"
)

// Active reports whether the phase is non-terminal. Escalated is active until
// a human closes it.
func (p Phase) Active() bool {
	return p != PhaseClosed
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseNew, PhaseAwaitingCustomer, PhaseAwaitingConfirmation, PhaseClosed, PhaseEscalated:
		return true
	}
	return false
}

// ConversationState tracks an in-progress exchange. Exactly one active state
// exists per conversation id. Only the conversation package writes these rows.
type ConversationState struct {
	// ID identifies this state row. Closed rows are kept as history.
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Phase          Phase  `json:"phase"`

	PendingPatternID   string  `json:"pending_pattern_id,omitempty"`
	PendingExecutionID string  `json:"pending_execution_id,omitempty"`
	PendingAction      *Action `json:"pending_action,omitempty"`

	// Context accumulates extracted entities across turns.
	Context map[string]any `json:"context,omitempty"`

	// Category is the topic of the most recent customer message.
	Category Category `json:"category,omitempty"`

	// LastInboundText and LastMatch* feed the learning path when an operator replies.
	LastInboundText      string `json:"last_inbound_text,omitempty"`
	LastMatchPatternID   string `json:"last_match_pattern_id,omitempty"`
	LastMatchExecutionID string `json:"last_match_execution_id,omitempty"`
	LastMatchConfident   bool   `json:"last_match_confident"`
	LastSuggestedText    string `json:"last_suggested_text,omitempty"`

	// MissCount counts consecutive inbound messages with no usable candidate.
	MissCount int `json:"miss_count"`

	// MessageCount and LatencyEWMA feed adaptive boundary detection.
	MessageCount int           `json:"message_count"`
	LatencyEWMA  time.Duration `json:"latency_ewma"`

	CloseReason string `json:"close_reason,omitempty"`

	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	// Version is the optimistic concurrency token. Zero means not yet persisted.
	Version int64 `json:"version"`
}

// NewConversationState creates a state in phase new.
func NewConversationState(conversationID string, at time.Time) *ConversationState {
	return &ConversationState{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Phase:          PhaseNew,
		Context:        map[string]any{},
		StartedAt:      at,
		LastActivityAt: at,
	}
}

// Clone returns a deep copy. Context values are copied one level deep.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s
	if s.PendingAction != nil {
		a := s.PendingAction.Clone()
		c.PendingAction = &a
	}
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	c.Context = make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		c.Context[k] = v
	}
	return &c
}

// ClearPending drops any pending confirmation.
func (s *ConversationState) ClearPending() {
	s.PendingPatternID = ""
	s.PendingExecutionID = ""
	s.PendingAction = nil
	s.ExpiresAt = nil
}
