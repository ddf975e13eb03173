package http

import (
	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for domain errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version,omitempty"`
	Counts  store.Counts `json:"counts"`
	Flags   config.Flags `json:"flags"`
}

// CreatePatternRequest is the request body for POST /api/v1/patterns.
type CreatePatternRequest struct {
	Trigger          string           `json:"trigger"`
	ResponseTemplate string           `json:"response_template"`
	Action           *pattern.Action  `json:"action,omitempty"`
	Category         pattern.Category `json:"category,omitempty"`
}

// UpdatePatternRequest is the request body for PATCH /api/v1/patterns/:id.
// Confidence, status and auto-executable cannot be set here.
type UpdatePatternRequest struct {
	ResponseTemplate *string           `json:"response_template,omitempty"`
	Action           *pattern.Action   `json:"action,omitempty"`
	ClearAction      bool              `json:"clear_action,omitempty"`
	Category         *pattern.Category `json:"category,omitempty"`
	Enabled          *bool             `json:"enabled,omitempty"`
}

// PatternList is the response body for GET /api/v1/patterns.
type PatternList struct {
	Patterns []*pattern.Pattern `json:"patterns"`
	Count    int                `json:"count"`
}

// ExecutionList is the response body for GET /api/v1/executions.
type ExecutionList struct {
	Executions []*pattern.ExecutionRecord `json:"executions"`
	Count      int                        `json:"count"`
}

// CloseConversationRequest is the optional request body for
// POST /api/v1/conversations/:id/close. Reason defaults to "resolved".
type CloseConversationRequest struct {
	Reason string `json:"reason,omitempty"`
}

// OutcomeRequest is the request body for POST /api/v1/executions/:id/outcome.
type OutcomeRequest struct {
	Outcome pattern.Outcome `json:"outcome"`
}

// FeedbackRequest is the request body for POST /api/v1/patterns/:id/feedback.
type FeedbackRequest struct {
	Helpful *bool `json:"helpful"`
}

// GoldStandardRequest is the request body for POST /api/v1/gold-standard.
type GoldStandardRequest struct {
	ConversationID string `json:"conversation_id"`
	CustomerText   string `json:"customer_text"`
	OperatorText   string `json:"operator_text"`
	FlaggedBy      string `json:"flagged_by"`
}
