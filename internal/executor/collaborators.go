package executor

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Sender delivers a message to the customer.
type Sender interface {
	Send(ctx context.Context, conversationID, text string) error
}

// ActionRunner runs a bounded action through the operational collaborator.
type ActionRunner interface {
	Execute(ctx context.Context, action pattern.Action) error
}

// Escalation hands a conversation to a human.
type Escalation struct {
	ConversationID string  `json:"conversation_id"`
	Reason         string  `json:"reason"`
	CustomerText   string  `json:"customer_text,omitempty"`
	PatternID      string  `json:"pattern_id,omitempty"`
	ExecutionID    string  `json:"execution_id,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
}

// Suggestion offers a rendered response to a human for review.
type Suggestion struct {
	ConversationID string          `json:"conversation_id"`
	PatternID      string          `json:"pattern_id"`
	ExecutionID    string          `json:"execution_id"`
	CustomerText   string          `json:"customer_text,omitempty"`
	Text           string          `json:"text"`
	Action         *pattern.Action `json:"action,omitempty"`
	Confidence     float64         `json:"confidence"`
	Reason         string          `json:"reason"`
}

// HumanQueue is the operator-facing queue.
type HumanQueue interface {
	Escalate(ctx context.Context, e Escalation) error
	Suggest(ctx context.Context, s Suggestion) error
}

// FlagSource supplies the current feature flags.
type FlagSource interface {
	Flags() config.Flags
}

// Recorder persists execution records.
type Recorder interface {
	RecordExecution(ctx context.Context, rec *pattern.ExecutionRecord) error
	UpdateExecutionAction(ctx context.Context, id string, taken pattern.ActionTaken, reason string) error
}

// OutcomeReporter resolves execution outcomes. Implemented by the confidence engine.
type OutcomeReporter interface {
	ReportOutcome(ctx context.Context, executionID string, outcome pattern.Outcome) (*pattern.Pattern, error)
}

// VariantPicker chooses the experiment arm for a match. Implemented by the optimizer.
type VariantPicker interface {
	PickVariant(ctx context.Context, patternID, conversationID string) (name, template string, ok bool)
}

// Describe returns a customer-facing confirmation prompt for an action.
func Describe(a pattern.Action) string {
	switch a.Type {
	case pattern.ActionResetDevice:
		device := a.ResetDevice.Device
		if device == "" {
			device = "the system"
		}
		return fmt.Sprintf("I can restart %s at %s for you. Reply YES to confirm.", device, a.ResetDevice.Location)
	case pattern.ActionUnlockDoor:
		return fmt.Sprintf("I can unlock the door at %s for %d minutes. Reply YES to confirm.",
			a.UnlockDoor.Location, a.UnlockDoor.DurationMinutes)
	case pattern.ActionExtendBooking:
		return fmt.Sprintf("I can extend booking %s by %d minutes. Reply YES to confirm.",
			a.ExtendBooking.BookingRef, a.ExtendBooking.Minutes)
	case pattern.ActionSendLink:
		return "Here is the link: " + a.SendLink.URL
	}
	return ""
}
