// Package config loads the core's YAML configuration file, fills defaults,
// validates the result, and lets a small set of settings be overridden by
// environment variables for container deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	RetryCount  int           `yaml:"retry_count"`
	Temperature float32       `yaml:"temperature"`
}

type RetrievalConfig struct {
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	VectorWeight  float32       `yaml:"vector_weight"`
	KeywordWeight float32       `yaml:"keyword_weight"`
	TopK          int           `yaml:"top_k"`
}

type RetentionConfig struct {
	EventTTL       time.Duration `yaml:"event_ttl"`
	DiagnosticsTTL time.Duration `yaml:"diagnostics_ttl"`
	BundleTTL      time.Duration `yaml:"bundle_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Port string `yaml:"port"`
}

// Config is the core's full configuration, loaded from YAML and overridable
// by environment variables for the settings a container orchestrator is
// likeliest to inject.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

var supportedLLMProviders = map[string]bool{
	"anthropic": true,
	"bedrock":   true,
}

// Load reads the YAML file at path, applies defaults, overlays environment
// variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// validate fills remaining defaults and rejects combinations that cannot
// produce a working core.
func validate(cfg *Config) error {
	if cfg.Workspace.Root == "" {
		return fmt.Errorf("workspace root is required")
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = "sqlite://handshake.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxOpenConns < 0 {
		return fmt.Errorf("max_open_conns must be greater than 0")
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if !supportedLLMProviders[cfg.LLM.Provider] {
		return fmt.Errorf("unsupported LLM provider: %s", cfg.LLM.Provider)
	}
	if cfg.LLM.Model == "" {
		return fmt.Errorf("LLM model is required for provider %s", cfg.LLM.Provider)
	}
	if cfg.LLM.Temperature < 0.0 || cfg.LLM.Temperature > 1.0 {
		return fmt.Errorf("LLM temperature must be between 0.0 and 1.0")
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 20
	}
	if cfg.Retrieval.TopK < 0 {
		return fmt.Errorf("top_k must be greater than 0")
	}
	if cfg.Retrieval.VectorWeight == 0 && cfg.Retrieval.KeywordWeight == 0 {
		cfg.Retrieval.VectorWeight = 0.6
		cfg.Retrieval.KeywordWeight = 0.4
	}
	if sum := cfg.Retrieval.VectorWeight + cfg.Retrieval.KeywordWeight; sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("vector_weight and keyword_weight must sum to 1.0, got %.2f", sum)
	}

	if cfg.Retention.EventTTL == 0 {
		cfg.Retention.EventTTL = 720 * time.Hour
	}
	if cfg.Retention.DiagnosticsTTL == 0 {
		cfg.Retention.DiagnosticsTTL = 720 * time.Hour
	}
	if cfg.Retention.BundleTTL == 0 {
		cfg.Retention.BundleTTL = 168 * time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Port == "" {
		cfg.Metrics.Port = "9090"
	}

	return nil
}

// loadFromEnv overlays the small set of settings a container deployment is
// expected to inject, leaving everything else as loaded from YAML.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("HANDSHAKE_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Metrics.Port = v
	}
	if v := os.Getenv("MAX_OPEN_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_OPEN_CONNS: %w", err)
		}
		cfg.Database.MaxOpenConns = n
	}
	return nil
}
