package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEvent indicates a message event that cannot be processed.
var ErrInvalidEvent = errors.New("invalid message event")

// Direction is which way a message travelled.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role is who authored a message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"

	// RoleSystem marks our own sends echoed back by the messaging platform.
	RoleSystem Role = "system"
)

// MessageEvent is one message observed on a conversation.
type MessageEvent struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Direction      Direction `json:"direction"`
	Sender         string    `json:"sender,omitempty"`
	SenderRole     Role      `json:"sender_role,omitempty"`
	Text           string    `json:"text"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Role returns the author role, defaulting by direction: inbound messages
// come from the customer and outbound ones from an operator.
func (e MessageEvent) Role() Role {
	if e.SenderRole != "" {
		return e.SenderRole
	}
	if e.Direction == DirectionInbound {
		return RoleCustomer
	}
	return RoleOperator
}

// Validate checks the event is processable.
func (e MessageEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.ConversationID) == "":
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidEvent)
	case e.Direction != DirectionInbound && e.Direction != DirectionOutbound:
		return fmt.Errorf("%w: direction %q", ErrInvalidEvent, e.Direction)
	case strings.TrimSpace(e.Text) == "":
		return fmt.Errorf("%w: text is required", ErrInvalidEvent)
	}
	switch e.Role() {
	case RoleCustomer, RoleOperator, RoleSystem:
	default:
		return fmt.Errorf("%w: sender_role %q", ErrInvalidEvent, e.SenderRole)
	}
	if e.Direction == DirectionInbound && e.Role() != RoleCustomer {
		return fmt.Errorf("%w: inbound messages come from the customer", ErrInvalidEvent)
	}
	return nil
}

// DecodeEvent parses and validates a JSON message event.
func DecodeEvent(data []byte) (MessageEvent, error) {
	var e MessageEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return MessageEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return MessageEvent{}, err
	}
	return e, nil
}
