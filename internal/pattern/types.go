package pattern

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Validation errors.
var (
	ErrEmptyID            = errors.New("pattern ID cannot be empty")
	ErrEmptySignature     = errors.New("pattern signature cannot be empty")
	ErrEmptyTemplate      = errors.New("pattern needs a response template or an action")
	ErrInvalidConfidence  = errors.New("confidence must be between 0.0 and 1.0")
	ErrInvalidStatus      = errors.New("invalid pattern status")
	ErrInvalidOutcome     = errors.New("invalid outcome")
	ErrInvalidActionTaken = errors.New("invalid action taken")
)

// Status is the lifecycle state of a pattern.
type Status string

const (
	// StatusLearned is the initial state of a pattern captured from an operator reply.
	StatusLearned Status = "learned"

	// StatusVerified is set once a pattern first becomes auto-executable.
	StatusVerified Status = "verified"

	// StatusDeprecated patterns are never matched. Set by the optimizer on merge or retirement.
	StatusDeprecated Status = "deprecated"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusLearned, StatusVerified, StatusDeprecated:
		return true
	}
	return false
}

// Category is a coarse topic bucket assigned to a trigger.
type Category string

const (
	CategoryTechnical Category = "technical"
	CategoryAccess    Category = "access"
	CategoryBooking   Category = "booking"
	CategoryBilling   Category = "billing"
	CategoryGeneral   Category = "general"
)

// Pattern is a reusable stimulus→response rule with an evolving confidence score.
type Pattern struct {
	// ID is the stable pattern identifier (UUID).
	ID string `json:"id"`

	// Signature is the canonical hash of the normalized trigger text.
	Signature string `json:"signature"`

	// TriggerText is the normalized trigger the signature and embedding were derived from.
	TriggerText string `json:"trigger_text"`

	// Embedding is the vector for the trigger. Nil until computed.
	Embedding []float32 `json:"embedding,omitempty"`

	// ResponseTemplate contains {{variable}} placeholders.
	ResponseTemplate string `json:"response_template"`

	// Action is the optional bounded external action. Nil means text-only.
	Action *Action `json:"action,omitempty"`

	// Category is the topic bucket of the trigger.
	Category Category `json:"category"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`

	// AutoExecutable is true once confidence has crossed the high-water mark
	// and has not since fallen below the low-water mark.
	AutoExecutable bool `json:"auto_executable"`

	Status  Status `json:"status"`
	Enabled bool   `json:"enabled"`

	UsageCount   int64 `json:"usage_count"`
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`

	// MergedInto is the canonical pattern this one was merged into, if any.
	MergedInto string `json:"merged_into,omitempty"`

	// FromGoldStandard marks patterns created from a flagged exemplar.
	FromGoldStandard bool `json:"from_gold_standard"`

	// Version is the optimistic concurrency token for confidence updates.
	Version int64 `json:"version"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// New creates a learned pattern with a generated ID.
func New(signature, trigger, responseTemplate string, initialConfidence float64) *Pattern {
	now := time.Now().UTC()
	conf, _ := Clamp(initialConfidence)
	return &Pattern{
		ID:               uuid.New().String(),
		Signature:        signature,
		TriggerText:      trigger,
		ResponseTemplate: responseTemplate,
		Category:         CategoryGeneral,
		Confidence:       conf,
		Status:           StatusLearned,
		Enabled:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Validate checks structural invariants.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return ErrEmptyID
	}
	if p.Signature == "" {
		return ErrEmptySignature
	}
	if p.ResponseTemplate == "" && (p.Action == nil || p.Action.Type == ActionNone) {
		return ErrEmptyTemplate
	}
	if p.Confidence < 0.0 || p.Confidence > 1.0 {
		return ErrInvalidConfidence
	}
	if !p.Status.Valid() {
		return ErrInvalidStatus
	}
	if p.Action != nil {
		if err := p.Action.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Matchable reports whether the pattern may be returned by the matcher.
func (p *Pattern) Matchable() bool {
	return p.Enabled && p.Status != StatusDeprecated && p.MergedInto == ""
}

// HasAction reports whether the pattern carries a bounded action.
func (p *Pattern) HasAction() bool {
	return p.Action != nil && p.Action.Type != ActionNone
}

// SuccessRate returns success / (success + failure), or 0 with no resolved outcomes.
func (p *Pattern) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}

// Clone returns a deep copy.
func (p *Pattern) Clone() *Pattern {
	if p == nil {
		return nil
	}
	c := *p
	if p.Embedding != nil {
		c.Embedding = append([]float32(nil), p.Embedding...)
	}
	if p.Action != nil {
		a := p.Action.Clone()
		c.Action = &a
	}
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// Clamp bounds v to [0,1]. The second result reports whether clamping occurred.
func Clamp(v float64) (float64, bool) {
	switch {
	case v < 0.0:
		return 0.0, true
	case v > 1.0:
		return 1.0, true
	}
	return v, false
}
