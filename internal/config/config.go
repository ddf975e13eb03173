// Package config provides configuration loading for patternd.
//
// Configuration is loaded from a YAML file and overridden by PATTERND_*
// environment variables. The flags section is additionally hot-reloadable
// through FlagWatcher.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Config holds the complete patternd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Store         StoreConfig         `koanf:"store"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	VectorIndex   VectorIndexConfig   `koanf:"vectorindex"`
	LLM           LLMConfig           `koanf:"llm"`
	Engine        EngineConfig        `koanf:"engine"`
	Flags         Flags               `koanf:"flags"`
	Optimizer     OptimizerConfig     `koanf:"optimizer"`
	Learning      LearningConfig      `koanf:"learning"`
	Transport     TransportConfig     `koanf:"transport"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds pattern store configuration.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" keeps everything in memory.
	Path string `koanf:"path"`
}

// EmbeddingsConfig holds embedding provider and cache configuration.
type EmbeddingsConfig struct {
	Provider string        `koanf:"provider"` // fastembed, tei or openai
	Model    string        `koanf:"model"`
	BaseURL  string        `koanf:"base_url"`
	APIKey   Secret        `koanf:"api_key"`
	CacheDir string        `koanf:"cache_dir"`
	Timeout  time.Duration `koanf:"timeout"`

	CacheTTL        time.Duration `koanf:"cache_ttl"`
	CacheMaxEntries int           `koanf:"cache_max_entries"`

	// RedisAddr enables the shared cache tier when set.
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword Secret `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// VectorIndexConfig holds semantic index configuration.
type VectorIndexConfig struct {
	Provider   string `koanf:"provider"` // chromem or qdrant
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	Compress   bool   `koanf:"compress"`

	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantUseTLS bool   `koanf:"qdrant_use_tls"`
	VectorSize   uint64 `koanf:"vector_size"`
}

// LLMConfig holds the extraction fallback configuration.
type LLMConfig struct {
	Provider  string        `koanf:"provider"` // openai or disabled
	Model     string        `koanf:"model"`
	BaseURL   string        `koanf:"base_url"`
	APIKey    Secret        `koanf:"api_key"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
}

// Enabled reports whether the LLM fallback is configured.
func (c LLMConfig) Enabled() bool {
	return c.Provider != "" && c.Provider != "disabled"
}

// EngineConfig holds the request-path tuning.
type EngineConfig struct {
	Thresholds pattern.Thresholds `koanf:"thresholds"`

	SimilarityThreshold float64       `koanf:"similarity_threshold"`
	TopK                int           `koanf:"top_k"`
	ConfirmationWindow  time.Duration `koanf:"confirmation_window"`

	// Boundary is "adaptive" or "fixed"; BoundaryWindow is the fixed window
	// and the adaptive default.
	Boundary       string        `koanf:"boundary"`
	BoundaryWindow time.Duration `koanf:"boundary_window"`

	LockTimeout   time.Duration `koanf:"lock_timeout"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	IdleTimeout   time.Duration `koanf:"idle_timeout"`
	MaxMisses     int           `koanf:"max_misses"`

	// Locations are facility names recognized by the extractor.
	Locations []string `koanf:"locations"`
}

// OptimizerConfig holds background optimizer configuration.
type OptimizerConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`

	MergeThreshold float64 `koanf:"merge_threshold"`

	ExperimentFraction   float64 `koanf:"experiment_fraction"`
	ExperimentMinSamples int64   `koanf:"experiment_min_samples"`
	ExperimentMinLift    float64 `koanf:"experiment_min_lift"`
}

// TransportConfig holds messaging collaborator configuration.
type TransportConfig struct {
	NATSURL         string `koanf:"nats_url"`
	InboundSubject  string `koanf:"inbound_subject"`
	OutboundSubject string `koanf:"outbound_subject"`
	QueueGroup      string `koanf:"queue_group"`

	KafkaBrokers []string `koanf:"kafka_brokers"`
	KafkaTopic   string   `koanf:"kafka_topic"`
	KafkaGroup   string   `koanf:"kafka_group"`

	SlackToken   Secret `koanf:"slack_token"`
	SlackChannel string `koanf:"slack_channel"`

	ActionBaseURL string        `koanf:"action_base_url"`
	SendTimeout   time.Duration `koanf:"send_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"`
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
}

// LearningConfig configures the learning path and secret redaction.
type LearningConfig struct {
	// SimilarReply is the word overlap at which an operator reply counts as a
	// reworded version of a suggestion.
	SimilarReply float64 `koanf:"similar_reply"`

	// AllowlistPath points at a gitleaks-style TOML allowlist.
	AllowlistPath   string `koanf:"allowlist_path"`
	DisableGitleaks bool   `koanf:"disable_gitleaks"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`

	// DisableSampling logs every entry below error.
	DisableSampling bool `koanf:"disable_sampling"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Flags: DefaultFlags(),
		Observability: ObservabilityConfig{
			OTLPInsecure: true,
		},
		Optimizer: OptimizerConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Store.Path == "" {
		return errors.New("store path is required")
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei", "openai":
	default:
		return fmt.Errorf("unknown embeddings provider: %q", c.Embeddings.Provider)
	}
	switch c.VectorIndex.Provider {
	case "chromem":
	case "qdrant":
		if c.VectorIndex.QdrantHost == "" || c.VectorIndex.VectorSize == 0 {
			return errors.New("qdrant index requires qdrant_host and vector_size")
		}
	default:
		return fmt.Errorf("unknown vector index provider: %q", c.VectorIndex.Provider)
	}
	switch c.LLM.Provider {
	case "", "disabled", "openai":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}

	if err := c.Engine.Thresholds.Validate(); err != nil {
		return err
	}
	if c.Engine.SimilarityThreshold <= 0 || c.Engine.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in (0,1]: %v", c.Engine.SimilarityThreshold)
	}
	if c.Engine.TopK < 1 {
		return fmt.Errorf("top_k must be positive: %d", c.Engine.TopK)
	}
	switch c.Engine.Boundary {
	case "adaptive", "fixed":
	default:
		return fmt.Errorf("unknown boundary strategy: %q", c.Engine.Boundary)
	}

	if c.Optimizer.MergeThreshold <= 0 || c.Optimizer.MergeThreshold > 1 {
		return fmt.Errorf("merge threshold must be in (0,1]: %v", c.Optimizer.MergeThreshold)
	}
	if c.Optimizer.ExperimentFraction <= 0 || c.Optimizer.ExperimentFraction >= 1 {
		return fmt.Errorf("experiment fraction must be in (0,1): %v", c.Optimizer.ExperimentFraction)
	}

	if c.Learning.SimilarReply <= 0 || c.Learning.SimilarReply > 1 {
		return fmt.Errorf("similar reply threshold must be in (0,1]: %v", c.Learning.SimilarReply)
	}

	if c.Transport.SlackToken.IsSet() && c.Transport.SlackChannel == "" {
		return errors.New("slack channel required when slack token is set")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	return nil
}
