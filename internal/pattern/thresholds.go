package pattern

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidThresholds is returned by Thresholds.Validate.
var ErrInvalidThresholds = errors.New("invalid confidence thresholds")

// Thresholds are the tunable confidence parameters. The defaults are design
// intent, not validated production values, so every one is configurable.
type Thresholds struct {
	// HighWater promotes a pattern to auto-executable when crossed from below.
	HighWater float64 `koanf:"high_water" json:"high_water"`

	// LowWater demotes an auto-executable pattern when confidence falls below it.
	LowWater float64 `koanf:"low_water" json:"low_water"`

	// MinSuggest is the minimum confidence for a candidate to be shown to a human.
	MinSuggest float64 `koanf:"min_suggest" json:"min_suggest"`

	SuccessDelta  float64 `koanf:"success_delta" json:"success_delta"`
	ModifiedDelta float64 `koanf:"modified_delta" json:"modified_delta"`
	FailureDelta  float64 `koanf:"failure_delta" json:"failure_delta"`

	// DecayStep is subtracted once per decay cycle from patterns unused for DecayWindow.
	DecayStep   float64       `koanf:"decay_step" json:"decay_step"`
	DecayWindow time.Duration `koanf:"decay_window" json:"decay_window"`

	// InitialConfidence is assigned to newly learned patterns.
	InitialConfidence float64 `koanf:"initial_confidence" json:"initial_confidence"`
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighWater:         0.95,
		LowWater:          0.80,
		MinSuggest:        0.50,
		SuccessDelta:      0.05,
		ModifiedDelta:     0.02,
		FailureDelta:      0.10,
		DecayStep:         0.01,
		DecayWindow:       30 * 24 * time.Hour,
		InitialConfidence: 0.50,
	}
}

// Validate checks ordering and ranges.
func (t Thresholds) Validate() error {
	in01 := func(v float64) bool { return v >= 0 && v <= 1 }
	switch {
	case !in01(t.HighWater) || !in01(t.LowWater) || !in01(t.MinSuggest) || !in01(t.InitialConfidence):
		return fmt.Errorf("%w: marks must be within [0,1]", ErrInvalidThresholds)
	case t.LowWater >= t.HighWater:
		return fmt.Errorf("%w: low_water (%.2f) must be below high_water (%.2f)", ErrInvalidThresholds, t.LowWater, t.HighWater)
	case t.MinSuggest > t.LowWater:
		return fmt.Errorf("%w: min_suggest (%.2f) must not exceed low_water (%.2f)", ErrInvalidThresholds, t.MinSuggest, t.LowWater)
	case t.SuccessDelta < 0 || t.ModifiedDelta < 0 || t.FailureDelta < 0 || t.DecayStep < 0:
		return fmt.Errorf("%w: deltas must be non-negative", ErrInvalidThresholds)
	case t.DecayWindow <= 0:
		return fmt.Errorf("%w: decay_window must be positive", ErrInvalidThresholds)
	}
	return nil
}
