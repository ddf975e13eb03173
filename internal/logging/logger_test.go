package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func bufferLogger(t *testing.T, cfg *Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := newLogger(cfg, nil, zapcore.AddSync(&buf))
	require.NoError(t, err)
	return l, &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestLogger_WritesJSONWithContext(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = TraceLevel
	cfg.Sampling.Enabled = false
	l, buf := bufferLogger(t, cfg)

	ctx := WithConversationID(context.Background(), "conv-1")
	l.Trace(ctx, "candidate scored", zap.Float64("score", 0.81))
	l.Info(ctx, "executor decision", zap.String("decision", "suggest"))
	l.Named("audit").With(zap.String("component", "executor")).Warn(ctx, "send failed", zap.Error(errors.New("timeout")))

	got := lines(t, buf)
	require.Len(t, got, 3)
	assert.Equal(t, "trace", got[0]["level"])
	assert.Equal(t, "conv-1", got[0]["conversation.id"])
	assert.Equal(t, "patternd", got[1]["service"])
	assert.Equal(t, "suggest", got[1]["decision"])
	assert.Equal(t, "audit", got[2]["logger"])
	assert.Equal(t, "executor", got[2]["component"])
	assert.Equal(t, "timeout", got[2]["error"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = zapcore.WarnLevel
	l, buf := bufferLogger(t, cfg)

	l.Debug(context.Background(), "hidden")
	l.Info(context.Background(), "hidden")
	l.Error(context.Background(), "shown")

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "shown", got[0]["msg"])
	assert.False(t, l.Enabled(zapcore.InfoLevel))
	assert.True(t, l.Enabled(zapcore.ErrorLevel))
}

func TestLogger_RedactsOutput(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	l, buf := bufferLogger(t, cfg)

	ctx := context.Background()
	l.Info(ctx, "slack configured",
		zap.String("slack_token", "xoxb-1234-abcd"),
		Secret("api_key", config.Secret("sk-live-abc")),
		zap.String("customer_text", "the door code is 4821 right?"))
	l.With(zap.String("bot_token", "xoxb-999")).Info(ctx, "with field")
	l.Info(ctx, "sending xoxp-5555-aaaa upstream")

	got := lines(t, buf)
	require.Len(t, got, 3)
	assert.Equal(t, "[REDACTED]", got[0]["slack_token"])
	assert.Equal(t, map[string]any{"set": true, "len": float64(11)}, got[0]["api_key"])
	assert.Equal(t, "the [REDACTED] right?", got[0]["customer_text"])
	assert.Equal(t, "[REDACTED]", got[1]["bot_token"])
	assert.Equal(t, "sending [REDACTED] upstream", got[2]["msg"])
	assert.NotContains(t, buf.String(), "4821")
	assert.NotContains(t, buf.String(), "sk-live")
}

func TestLogger_SyncIgnoresTerminalErrors(t *testing.T) {
	l, _ := bufferLogger(t, NewDefaultConfig())
	assert.NoError(t, l.Sync())
	assert.NotNil(t, l.Underlying())
}
