package conversation

import (
	"strings"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/extractor"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Message is the part of an inbound message that drives state transitions.
type Message struct {
	Text     string
	Category pattern.Category
	At       time.Time
}

// BoundaryDetector decides whether an inbound message starts a new
// conversation rather than continuing prev. prev carries the latency history
// (MessageCount, LatencyEWMA) of the exchange so far.
type BoundaryDetector interface {
	IsNewConversation(prev *pattern.ConversationState, msg Message) bool
}

// FixedWindow starts a new conversation after a constant idle gap.
type FixedWindow struct {
	Window time.Duration
}

func (f FixedWindow) IsNewConversation(prev *pattern.ConversationState, msg Message) bool {
	if prev == nil {
		return true
	}
	return msg.At.Sub(prev.LastActivityAt) > f.Window
}

// DefaultClosingPhrases mark a customer message that ends an exchange.
var DefaultClosingPhrases = []string{
	"thanks", "thank you", "thx", "ty", "thats all", "all good", "all set", "bye",
	"goodbye", "resolved", "that fixed it", "working now", "perfect",
}

// Adaptive scales the idle limit with the observed pace of the exchange.
//
// A message is new when the gap since the last activity exceeds
// clamp(Multiplier × EWMA latency, Min, Max). After Min has passed, closing
// language in the previous message or a change of topic also starts a new
// conversation.
type Adaptive struct {
	Multiplier float64
	Min        time.Duration
	Max        time.Duration

	// Default is the limit used before any latency has been observed.
	Default time.Duration

	ClosingPhrases []string
}

// NewAdaptive returns an Adaptive detector with default tuning.
func NewAdaptive() *Adaptive {
	return &Adaptive{
		Multiplier:     4,
		Min:            10 * time.Minute,
		Max:            24 * time.Hour,
		Default:        time.Hour,
		ClosingPhrases: DefaultClosingPhrases,
	}
}

// Limit returns the idle gap after which prev is considered finished.
func (a *Adaptive) Limit(prev *pattern.ConversationState) time.Duration {
	limit := a.Default
	if prev.MessageCount >= 2 && prev.LatencyEWMA > 0 {
		limit = time.Duration(a.Multiplier * float64(prev.LatencyEWMA))
	}
	if limit < a.Min {
		limit = a.Min
	}
	if a.Max > 0 && limit > a.Max {
		limit = a.Max
	}
	return limit
}

func (a *Adaptive) IsNewConversation(prev *pattern.ConversationState, msg Message) bool {
	if prev == nil {
		return true
	}
	gap := msg.At.Sub(prev.LastActivityAt)
	if gap > a.Limit(prev) {
		return true
	}
	if gap <= a.Min {
		return false
	}
	if containsPhrase(extractor.Normalize(prev.LastInboundText), a.ClosingPhrases) {
		return true
	}
	return topicShift(prev.Category, msg.Category)
}

func topicShift(prev, next pattern.Category) bool {
	if prev == "" || next == "" || prev == pattern.CategoryGeneral || next == pattern.CategoryGeneral {
		return false
	}
	return prev != next
}

// latencyAlpha weights the newest gap in the EWMA.
const latencyAlpha = 0.3

// observeLatency folds the gap before msg into the state's latency EWMA.
func observeLatency(s *pattern.ConversationState, at time.Time) {
	gap := at.Sub(s.LastActivityAt)
	if gap <= 0 {
		return
	}
	if s.LatencyEWMA == 0 {
		s.LatencyEWMA = gap
		return
	}
	s.LatencyEWMA = time.Duration(latencyAlpha*float64(gap) + (1-latencyAlpha)*float64(s.LatencyEWMA))
}

func containsPhrase(normalized string, phrases []string) bool {
	padded := " " + normalized + " "
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}
