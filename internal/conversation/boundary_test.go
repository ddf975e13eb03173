package conversation

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/stretchr/testify/assert"
)

func stateAt(last time.Time, messages int, ewma time.Duration) *pattern.ConversationState {
	s := pattern.NewConversationState("c1", last)
	s.MessageCount = messages
	s.LatencyEWMA = ewma
	return s
}

func TestFixedWindow(t *testing.T) {
	d := FixedWindow{Window: time.Hour}
	prev := stateAt(t0, 3, 0)
	assert.False(t, d.IsNewConversation(prev, Message{At: t0.Add(time.Hour)}))
	assert.True(t, d.IsNewConversation(prev, Message{At: t0.Add(time.Hour + time.Second)}))
	assert.True(t, d.IsNewConversation(nil, Message{At: t0}))
}

func TestAdaptive_ScalesWithPace(t *testing.T) {
	d := NewAdaptive()

	// Rapid-fire exchange: 30s average latency splits after the 10m floor.
	rapid := stateAt(t0, 6, 30*time.Second)
	assert.Equal(t, 10*time.Minute, d.Limit(rapid))
	assert.True(t, d.IsNewConversation(rapid, Message{At: t0.Add(15 * time.Minute)}))

	// Slow exchange: 2h average latency keeps a 5h gap together, where a
	// fixed one-hour window would have split it.
	slow := stateAt(t0, 4, 2*time.Hour)
	assert.Equal(t, 8*time.Hour, d.Limit(slow))
	assert.False(t, d.IsNewConversation(slow, Message{At: t0.Add(5 * time.Hour)}))
	assert.True(t, FixedWindow{Window: time.Hour}.IsNewConversation(slow, Message{At: t0.Add(5 * time.Hour)}))

	// Very slow exchanges are capped at Max.
	glacial := stateAt(t0, 4, 20*time.Hour)
	assert.Equal(t, 24*time.Hour, d.Limit(glacial))

	// No history uses the default.
	assert.Equal(t, time.Hour, d.Limit(stateAt(t0, 1, 0)))
}

func TestAdaptive_ClosingLanguage(t *testing.T) {
	d := NewAdaptive()
	prev := stateAt(t0, 4, 2*time.Hour)
	prev.LastInboundText = "Thanks, that fixed it!"

	assert.False(t, d.IsNewConversation(prev, Message{At: t0.Add(5 * time.Minute)}), "within the floor")
	assert.True(t, d.IsNewConversation(prev, Message{At: t0.Add(20 * time.Minute)}))
}

func TestAdaptive_TopicShift(t *testing.T) {
	d := NewAdaptive()
	prev := stateAt(t0, 4, 2*time.Hour)
	prev.Category = pattern.CategoryTechnical

	assert.True(t, d.IsNewConversation(prev, Message{Category: pattern.CategoryBilling, At: t0.Add(30 * time.Minute)}))
	assert.False(t, d.IsNewConversation(prev, Message{Category: pattern.CategoryTechnical, At: t0.Add(30 * time.Minute)}))
	assert.False(t, d.IsNewConversation(prev, Message{Category: pattern.CategoryGeneral, At: t0.Add(30 * time.Minute)}))
	assert.False(t, d.IsNewConversation(prev, Message{Category: pattern.CategoryBilling, At: t0.Add(2 * time.Minute)}))
}

func TestObserveLatency(t *testing.T) {
	s := stateAt(t0, 1, 0)
	observeLatency(s, t0.Add(10*time.Minute))
	assert.Equal(t, 10*time.Minute, s.LatencyEWMA)

	s.LastActivityAt = t0.Add(10 * time.Minute)
	observeLatency(s, t0.Add(30*time.Minute))
	assert.InDelta(t, float64(13*time.Minute), float64(s.LatencyEWMA), float64(time.Millisecond))

	before := s.LatencyEWMA
	observeLatency(s, s.LastActivityAt.Add(-time.Minute))
	assert.Equal(t, before, s.LatencyEWMA, "out-of-order messages are ignored")
}

func TestConfirmationCues(t *testing.T) {
	tests := []struct {
		text        string
		affirmative bool
		negative    bool
	}{
		{"Yes please", true, false},
		{"yep go ahead", true, false},
		{"OK", true, false},
		{"no", false, true},
		{"No, don't do that", false, true},
		{"yes... actually wait", false, true},
		{"what does that do?", false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.affirmative, IsAffirmative(tt.text), tt.text)
		assert.Equal(t, tt.negative, IsNegative(tt.text), tt.text)
	}
}

func TestTriggers(t *testing.T) {
	tr := DefaultTriggers()

	reason, ok := tr.Check("Can I talk to a real person?", 0)
	assert.True(t, ok)
	assert.Equal(t, ReasonHumanRequested, reason)

	reason, ok = tr.Check("This is ridiculous and useless", 0)
	assert.True(t, ok)
	assert.Equal(t, ReasonNegative, reason)

	_, ok = tr.Check("this is ridiculous", 1)
	assert.False(t, ok)

	reason, ok = tr.Check("hmm", 2)
	assert.True(t, ok)
	assert.Equal(t, ReasonRepeatedMisses, reason)
}
