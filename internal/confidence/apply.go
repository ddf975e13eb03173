package confidence

import (
	"math"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// State is the guarded part of a pattern.
type State struct {
	Confidence     float64
	AutoExecutable bool
	Status         pattern.Status
}

// StateOf extracts the guarded state from a pattern.
func StateOf(p *pattern.Pattern) State {
	return State{Confidence: p.Confidence, AutoExecutable: p.AutoExecutable, Status: p.Status}
}

// Apply computes the state after one outcome. The second result reports
// whether the new confidence had to be clamped into [0,1].
//
// unknown leaves the state untouched.
func Apply(s State, o pattern.Outcome, t pattern.Thresholds) (State, bool) {
	switch o {
	case pattern.OutcomeSuccess:
		return shift(s, t.SuccessDelta, t)
	case pattern.OutcomeModified:
		return shift(s, t.ModifiedDelta, t)
	case pattern.OutcomeFailure:
		return shift(s, -t.FailureDelta, t)
	}
	return s, false
}

// Decay lowers confidence by one decay step. Hysteresis applies, so decay
// can demote an auto-executable pattern.
func Decay(s State, t pattern.Thresholds) (State, bool) {
	return shift(s, -t.DecayStep, t)
}

func shift(s State, delta float64, t pattern.Thresholds) (State, bool) {
	conf, clamped := pattern.Clamp(round(s.Confidence + delta))
	next := State{Confidence: conf, AutoExecutable: s.AutoExecutable, Status: s.Status}

	switch {
	case !s.AutoExecutable && conf >= t.HighWater && s.Status != pattern.StatusDeprecated:
		next.AutoExecutable = true
	case s.AutoExecutable && conf < t.LowWater:
		next.AutoExecutable = false
	}

	if next.AutoExecutable && !s.AutoExecutable && s.Status == pattern.StatusLearned {
		next.Status = pattern.StatusVerified
	}
	return next, clamped
}

// round trims float noise so repeated deltas land exactly on the marks.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
