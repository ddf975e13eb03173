package telemetry

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "disabled defaults", mutate: func(*Config) {}},
		{name: "enabled defaults", mutate: func(c *Config) { c.Enabled = true }},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Enabled = true; c.Endpoint = "" },
			wantErr: "endpoint is required",
		},
		{
			name:    "missing service name",
			mutate:  func(c *Config) { c.Enabled = true; c.ServiceName = "" },
			wantErr: "service name is required",
		},
		{
			name:    "unknown protocol",
			mutate:  func(c *Config) { c.Enabled = true; c.Protocol = "udp" },
			wantErr: "unsupported otlp protocol",
		},
		{
			name:    "insecure remote",
			mutate:  func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" },
			wantErr: "insecure export",
		},
		{
			name:   "tls remote",
			mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317"; c.Insecure = false },
		},
		{
			name:    "sample rate too high",
			mutate:  func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 },
			wantErr: "sample rate",
		},
		{
			name:    "zero export interval",
			mutate:  func(c *Config) { c.Enabled = true; c.ExportInterval = 0 },
			wantErr: "export interval",
		},
		{
			name:   "zero export interval without metrics",
			mutate: func(c *Config) { c.Enabled = true; c.ExportInterval = 0; c.MetricsEnabled = false },
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Enabled = true; c.ShutdownTimeout = 0 },
			wantErr: "shutdown timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "patternd-eu",
		OTLPEndpoint:    "https://collector.internal:4318",
		OTLPProtocol:    ProtocolHTTP,
	}, "1.4.0")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "patternd-eu", cfg.ServiceName)
	assert.Equal(t, "1.4.0", cfg.ServiceVersion)
	assert.Equal(t, "https://collector.internal:4318", cfg.Endpoint)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, 15*time.Second, cfg.ExportInterval)
	require.NoError(t, cfg.Validate())

	def := FromSettings(config.ObservabilityConfig{OTLPInsecure: true}, "")
	assert.False(t, def.Enabled)
	assert.Equal(t, "patternd", def.ServiceName)
	assert.Equal(t, "dev", def.ServiceVersion)
	assert.Equal(t, "localhost:4317", def.Endpoint)
	assert.True(t, def.Insecure)
}

func TestIsLocalEndpoint(t *testing.T) {
	local := []string{"localhost:4317", "127.0.0.1:4317", "127.0.0.5", "[::1]:4317", "::1", "http://localhost:4318"}
	for _, ep := range local {
		assert.True(t, isLocalEndpoint(ep), ep)
	}
	remote := []string{"otel.example.com:4317", "10.0.0.4:4317", "localhost.example.com:4317", "https://192.168.1.1:4318"}
	for _, ep := range remote {
		assert.False(t, isLocalEndpoint(ep), ep)
	}
}
