package logging

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/config"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration.
type Config struct {
	Level   zapcore.Level
	Format  string // json or console
	Service string
	Caller  bool

	// Stdout and OTEL select outputs. At least one must be set.
	Stdout bool
	OTEL   bool

	Sampling  SamplingConfig
	Redaction RedactionConfig
}

// SamplingConfig limits entries below Error per message per tick: the
// first Initial pass, then every Thereafter-th.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig lists field names and value patterns masked on stdout.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// maxPatternLen bounds redaction regexps.
const maxPatternLen = 200

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:   zapcore.InfoLevel,
		Format:  "json",
		Service: "patternd",
		Caller:  true,
		Stdout:  true,
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "token", "api_key", "authorization",
				"slack_token", "redis_password", "access_code",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				`xox[abposr]-[A-Za-z0-9-]+`,
				`(?i)\b(door|gate|access|entry)\s+code\b\D{0,12}\d{3,8}`,
			},
		},
	}
}

// FromSettings builds a Config from the logging section of the service
// configuration. otel enables the OpenTelemetry output alongside stdout.
func FromSettings(s config.LoggingConfig, otel bool) (*Config, error) {
	cfg := NewDefaultConfig()
	lvl, err := LevelFromString(s.Level)
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}
	cfg.Level = lvl
	if s.Format != "" {
		cfg.Format = s.Format
	}
	if s.DisableSampling {
		cfg.Sampling.Enabled = false
	}
	cfg.OTEL = otel
	return cfg, cfg.Validate()
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Stdout && !c.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick <= 0 {
			return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
		}
		if c.Sampling.Initial < 1 || c.Sampling.Thereafter < 0 {
			return fmt.Errorf("sampling needs initial >= 1 and thereafter >= 0")
		}
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > maxPatternLen {
				return fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}
	return nil
}
