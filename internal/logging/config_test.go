package logging

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, NewDefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"no outputs", func(c *Config) { c.Stdout = false }},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }},
		{"zero initial", func(c *Config) { c.Sampling.Initial = 0 }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"[unclosed"} }},
		{"long pattern", func(c *Config) { c.Redaction.Patterns = []string{string(make([]byte, maxPatternLen+1))} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("sampling off skips its checks", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Sampling = SamplingConfig{}
		assert.NoError(t, cfg.Validate())
	})
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "debug", Format: "console", DisableSampling: true}, true)
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.False(t, cfg.Sampling.Enabled)
	assert.True(t, cfg.OTEL)
	assert.True(t, cfg.Stdout)

	cfg, err = FromSettings(config.LoggingConfig{}, false)
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, time.Second, cfg.Sampling.Tick)

	_, err = FromSettings(config.LoggingConfig{Level: "loud"}, false)
	assert.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	tests := map[string]zapcore.Level{
		"trace": TraceLevel,
		"TRACE": TraceLevel,
		"debug": zapcore.DebugLevel,
		"Info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"":      zapcore.InfoLevel,
	}
	for in, want := range tests {
		got, err := LevelFromString(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := LevelFromString("verbose")
	assert.Error(t, err)
}
