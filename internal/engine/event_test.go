package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"conversation_id":"c1","direction":"inbound","sender":"+15550100","text":"bay 3 is frozen","occurred_at":"2025-06-02T09:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", ev.ConversationID)
	assert.Equal(t, RoleCustomer, ev.Role())
	assert.Equal(t, 2025, ev.OccurredAt.Year())

	ev, err = DecodeEvent([]byte(`{"conversation_id":"c1","direction":"outbound","text":"on it"}`))
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, ev.Role())

	tests := []struct {
		name string
		data string
	}{
		{"malformed", `{"conversation_id":`},
		{"missing conversation", `{"direction":"inbound","text":"hi"}`},
		{"bad direction", `{"conversation_id":"c1","direction":"sideways","text":"hi"}`},
		{"empty text", `{"conversation_id":"c1","direction":"inbound","text":"   "}`},
		{"unknown role", `{"conversation_id":"c1","direction":"outbound","sender_role":"bot","text":"hi"}`},
		{"inbound from operator", `{"conversation_id":"c1","direction":"inbound","sender_role":"operator","text":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}
