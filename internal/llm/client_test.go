package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFields(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    map[string]string
		wantErr bool
	}{
		{
			name:  "bare object",
			reply: `{"name": "Alex", "bay": 4}`,
			want:  map[string]string{"name": "Alex", "bay": "4"},
		},
		{
			name:  "fenced with prose",
			reply: "Sure:\n```json\n{\"location\": \"Downtown\", \"time\": null}\n```",
			want:  map[string]string{"location": "Downtown"},
		},
		{
			name:  "drops empty and nested values",
			reply: `{"name": " ", "extra": {"a": 1}, "ok": true}`,
			want:  map[string]string{"ok": "true"},
		},
		{
			name:    "no json",
			reply:   "I could not find anything.",
			wantErr: true,
		},
		{
			name:    "broken json",
			reply:   `{"name": }`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFields(tt.reply)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoStructuredResult)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_RetriesOnce(t *testing.T) {
	var calls atomic.Int32
	c := newClient(func(ctx context.Context, prompt string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("503")
		}
		assert.Contains(t, prompt, "bay 3 is frozen")
		return `{"bay": "3"}`, nil
	}, Config{Backoff: time.Millisecond}, nil)

	got, err := c.Extract(context.Background(), "bay 3 is frozen", "Extract the bay number as \"bay\".")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bay": "3"}, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_GivesUpAfterRetry(t *testing.T) {
	var calls atomic.Int32
	c := newClient(func(context.Context, string) (string, error) {
		calls.Add(1)
		return "", errors.New("unavailable")
	}, Config{Backoff: time.Millisecond}, nil)

	_, err := c.Extract(context.Background(), "text", "instructions")
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_HonoursDeadline(t *testing.T) {
	c := newClient(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, Config{Backoff: time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Extract(ctx, "text", "instructions")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Extract(context.Background(), "x", "y")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestNewClient_OpenAICompatibleServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"name": "Jordan"}`,
				},
			}},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Model: "test-model"}, nil)
	require.NoError(t, err)

	got, err := c.Extract(context.Background(), "this is Jordan", "Extract the customer's name as \"name\".")
	require.NoError(t, err)
	assert.Equal(t, "Jordan", got["name"])
}
