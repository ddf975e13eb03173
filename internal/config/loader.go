package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	envPrefix = "PATTERND_"
)

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PATTERND_SERVER_HTTP_PORT, PATTERND_FLAGS_SHADOW_MODE, ...)
//  2. YAML config file (~/.config/patternd/config.yaml)
//  3. Defaults
//
// # Security Considerations
//
// The file must have 0600 or 0400 permissions, must live under
// ~/.config/patternd/ or /etc/patternd/, and must not exceed 1MB.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the first underscore separates section from field:
//
//	PATTERND_SERVER_HTTP_PORT       -> server.http_port
//	PATTERND_FLAGS_SHADOW_MODE      -> flags.shadow_mode
//	PATTERND_ENGINE_TOP_K           -> engine.top_k
//
// Nested thresholds use a double underscore:
//
//	PATTERND_ENGINE_THRESHOLDS__HIGH_WATER -> engine.thresholds.high_water
func LoadWithFile(configPath string) (*Config, error) {
	k, err := loadKoanf(configPath)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFlags reads only the flags section with the same precedence as LoadWithFile.
func LoadFlags(configPath string) (Flags, error) {
	k, err := loadKoanf(configPath)
	if err != nil {
		return Flags{}, err
	}
	f := DefaultFlags()
	if err := k.Unmarshal("flags", &f); err != nil {
		return Flags{}, fmt.Errorf("failed to unmarshal flags: %w", err)
	}
	return f, nil
}

// DefaultPath returns ~/.config/patternd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "patternd", "config.yaml"), nil
}

func loadKoanf(configPath string) (*koanf.Koanf, error) {
	k := koanf.New(".")

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return k, nil
}

// envKey maps PATTERND_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	lower = strings.ReplaceAll(lower, "__", ".")
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate the already-opened descriptor to avoid a TOCTOU race.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// EnsureConfigDir creates ~/.config/patternd with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(home, ".config", "patternd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks the path is in an allowed directory. It runs even
// if the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	allowedDirs := []string{
		filepath.Join(home, ".config", "patternd"),
		"/etc/patternd",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/patternd/ or /etc/patternd/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// Store defaults
	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.config/patternd/patternd.db"
	}

	// Embeddings defaults (fastembed is default - local, no external deps)
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = 2 * time.Second
	}
	if cfg.Embeddings.CacheTTL == 0 {
		cfg.Embeddings.CacheTTL = 24 * time.Hour
	}
	if cfg.Embeddings.CacheMaxEntries == 0 {
		cfg.Embeddings.CacheMaxEntries = 10000
	}

	// VectorIndex defaults (chromem is default - embedded)
	if cfg.VectorIndex.Provider == "" {
		cfg.VectorIndex.Provider = "chromem"
	}
	if cfg.VectorIndex.Collection == "" {
		cfg.VectorIndex.Collection = "patterns"
	}
	if cfg.VectorIndex.QdrantHost == "" {
		cfg.VectorIndex.QdrantHost = "localhost"
	}
	if cfg.VectorIndex.QdrantPort == 0 {
		cfg.VectorIndex.QdrantPort = 6334
	}
	if cfg.VectorIndex.VectorSize == 0 {
		cfg.VectorIndex.VectorSize = 384 // bge-small-en-v1.5 dimensions
	}

	// LLM defaults
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "disabled"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 2 * time.Second
	}
	if cfg.LLM.RateLimit == 0 {
		cfg.LLM.RateLimit = 5
	}
	if cfg.LLM.Burst == 0 {
		cfg.LLM.Burst = 5
	}

	// Engine defaults
	if cfg.Engine.Thresholds == (pattern.Thresholds{}) {
		cfg.Engine.Thresholds = pattern.DefaultThresholds()
	}
	if cfg.Engine.SimilarityThreshold == 0 {
		cfg.Engine.SimilarityThreshold = 0.75
	}
	if cfg.Engine.TopK == 0 {
		cfg.Engine.TopK = 3
	}
	if cfg.Engine.ConfirmationWindow == 0 {
		cfg.Engine.ConfirmationWindow = 10 * time.Minute
	}
	if cfg.Engine.Boundary == "" {
		cfg.Engine.Boundary = "adaptive"
	}
	if cfg.Engine.BoundaryWindow == 0 {
		cfg.Engine.BoundaryWindow = time.Hour
	}
	if cfg.Engine.LockTimeout == 0 {
		cfg.Engine.LockTimeout = 2 * time.Second
	}
	if cfg.Engine.SweepInterval == 0 {
		cfg.Engine.SweepInterval = 15 * time.Second
	}
	if cfg.Engine.IdleTimeout == 0 {
		cfg.Engine.IdleTimeout = 24 * time.Hour
	}
	if cfg.Engine.MaxMisses == 0 {
		cfg.Engine.MaxMisses = 2
	}

	// Optimizer defaults
	if cfg.Optimizer.Interval == 0 {
		cfg.Optimizer.Interval = time.Hour
	}
	if cfg.Optimizer.MergeThreshold == 0 {
		cfg.Optimizer.MergeThreshold = 0.92
	}
	if cfg.Optimizer.ExperimentFraction == 0 {
		cfg.Optimizer.ExperimentFraction = 0.2
	}
	if cfg.Optimizer.ExperimentMinSamples == 0 {
		cfg.Optimizer.ExperimentMinSamples = 30
	}
	if cfg.Optimizer.ExperimentMinLift == 0 {
		cfg.Optimizer.ExperimentMinLift = 0.05
	}

	// Learning defaults
	if cfg.Learning.SimilarReply == 0 {
		cfg.Learning.SimilarReply = 0.5
	}

	// Transport defaults
	if cfg.Transport.NATSURL == "" {
		cfg.Transport.NATSURL = "nats://localhost:4222"
	}
	if cfg.Transport.ActionBaseURL == "" {
		cfg.Transport.ActionBaseURL = "http://localhost:8081"
	}
	if cfg.Transport.InboundSubject == "" {
		cfg.Transport.InboundSubject = "patternd.events.inbound"
	}
	if cfg.Transport.OutboundSubject == "" {
		cfg.Transport.OutboundSubject = "patternd.events.outbound"
	}
	if cfg.Transport.QueueGroup == "" {
		cfg.Transport.QueueGroup = "patternd"
	}
	if cfg.Transport.KafkaGroup == "" {
		cfg.Transport.KafkaGroup = "patternd"
	}
	if cfg.Transport.SendTimeout == 0 {
		cfg.Transport.SendTimeout = 5 * time.Second
	}

	// Observability defaults
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "patternd"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
