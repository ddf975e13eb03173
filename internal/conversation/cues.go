package conversation

import (
	"strings"

	"github.com/fyrsmithlabs/patternd/internal/extractor"
)

var (
	affirmativePhrases = []string{
		"yes", "yeah", "yep", "yup", "y", "sure", "ok", "okay", "k", "please", "confirm",
		"confirmed", "go ahead", "do it", "please do", "sounds good", "correct", "absolutely",
	}
	negativePhrases = []string{
		"no", "nope", "nah", "dont", "do not", "cancel", "stop", "not now", "wait", "hold on",
		"never mind", "nevermind",
	}
)

// IsNegative reports whether text declines a pending confirmation.
func IsNegative(text string) bool {
	return containsPhrase(extractor.Normalize(text), negativePhrases)
}

// IsAffirmative reports whether text confirms a pending action. Any negative
// cue wins over an affirmative one.
func IsAffirmative(text string) bool {
	n := extractor.Normalize(text)
	return containsPhrase(n, affirmativePhrases) && !containsPhrase(n, negativePhrases)
}

// Escalation reasons.
const (
	ReasonHumanRequested = "human_requested"
	ReasonRepeatedMisses = "repeated_no_match"
	ReasonNegative       = "negative_sentiment"
)

// Triggers detects when a conversation must be handed to a human.
type Triggers struct {
	// HumanPhrases are explicit requests for a person.
	HumanPhrases []string

	// MaxMisses escalates after this many consecutive no-match messages. Default 2.
	MaxMisses int

	// NegativeWords are scored one point each.
	NegativeWords []string

	// NegativeThreshold escalates at or above this score. Default 2.
	NegativeThreshold int
}

// DefaultTriggers returns the default escalation triggers.
func DefaultTriggers() Triggers {
	return Triggers{
		HumanPhrases: []string{
			"human", "agent", "real person", "a person", "manager", "someone real",
			"talk to someone", "speak to someone", "representative", "operator",
		},
		MaxMisses: 2,
		NegativeWords: []string{
			"angry", "furious", "ridiculous", "terrible", "awful", "worst", "unacceptable",
			"useless", "frustrated", "frustrating", "annoyed", "complaint", "scam", "disappointed",
			"horrible", "waste",
		},
		NegativeThreshold: 2,
	}
}

// Check returns the escalation reason for an inbound message, given the
// number of consecutive misses including this message.
func (t Triggers) Check(text string, misses int) (string, bool) {
	n := extractor.Normalize(text)
	if containsPhrase(n, t.HumanPhrases) {
		return ReasonHumanRequested, true
	}
	if t.NegativeThreshold > 0 && t.negativeScore(n) >= t.NegativeThreshold {
		return ReasonNegative, true
	}
	if t.MaxMisses > 0 && misses >= t.MaxMisses {
		return ReasonRepeatedMisses, true
	}
	return "", false
}

func (t Triggers) negativeScore(normalized string) int {
	score := 0
	for _, w := range strings.Fields(normalized) {
		for _, neg := range t.NegativeWords {
			if w == neg {
				score++
				break
			}
		}
	}
	return score
}
