package pattern

import (
	"time"

	"github.com/google/uuid"
)

// Variant is one arm of an A/B experiment on a pattern's response template.
type Variant struct {
	Name             string `json:"name"`
	ResponseTemplate string `json:"response_template"`
	Trials           int64  `json:"trials"`
	Successes        int64  `json:"successes"`
}

// Rate returns the observed success rate.
func (v Variant) Rate() float64 {
	if v.Trials == 0 {
		return 0
	}
	return float64(v.Successes) / float64(v.Trials)
}

// Experiment routes a fraction of a pattern's traffic to a challenger template.
type Experiment struct {
	ID        string `json:"id"`
	PatternID string `json:"pattern_id"`

	// Control is the pattern's current template; Challenger is the candidate.
	Control    Variant `json:"control"`
	Challenger Variant `json:"challenger"`

	// Fraction of matching traffic routed to the challenger, in (0,1).
	Fraction float64 `json:"fraction"`

	Active    bool       `json:"active"`
	Winner    string     `json:"winner,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Variant names.
const (
	VariantControl    = "control"
	VariantChallenger = "challenger"
)

// NewExperiment starts an experiment between the pattern's template and a challenger.
func NewExperiment(patternID, controlTemplate, challengerTemplate string, fraction float64) *Experiment {
	return &Experiment{
		ID:         uuid.New().String(),
		PatternID:  patternID,
		Control:    Variant{Name: VariantControl, ResponseTemplate: controlTemplate},
		Challenger: Variant{Name: VariantChallenger, ResponseTemplate: challengerTemplate},
		Fraction:   fraction,
		Active:     true,
		StartedAt:  time.Now().UTC(),
	}
}

// VariantByName returns the named arm.
func (e *Experiment) VariantByName(name string) (*Variant, bool) {
	switch name {
	case VariantControl:
		return &e.Control, true
	case VariantChallenger:
		return &e.Challenger, true
	}
	return nil, false
}
