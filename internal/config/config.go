// Package config provides configuration loading and structs for the kakunin server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug        bool               `yaml:"debug"`
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Verification VerificationConfig `yaml:"verification"`
	Watch        WatchConfig        `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the record database, page-image store, and
// the handoff index.
type StorageConfig struct {
	DatabasePath   string `yaml:"database_path"`
	ImageStorePath string `yaml:"image_store_path"`
	IndexPath      string `yaml:"index_path"`
}

// ProviderConfig describes one AI provider in fallback order.
type ProviderConfig struct {
	Name      string `yaml:"name"`                  // unique name, referenced in artifacts
	Type      string `yaml:"type"`                  // gemini, openai, ollama, rules
	Model     string `yaml:"model,omitempty"`       // model identifier for the backend
	BaseURL   string `yaml:"base_url,omitempty"`    // openai/ollama endpoints
	APIKeyEnv string `yaml:"api_key_env,omitempty"` // env var holding the API key
	Project   string `yaml:"project,omitempty"`     // gemini only
	Region    string `yaml:"region,omitempty"`      // gemini only
	Disabled  bool   `yaml:"disabled,omitempty"`
}

// BackoffConfig bounds rate-limit retries against a single provider.
type BackoffConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

// PipelineConfig holds stage execution settings.
type PipelineConfig struct {
	DPI              int           `yaml:"dpi"`                // page image resolution
	StageTimeoutSecs int           `yaml:"stage_timeout_secs"` // per provider call
	MaxConcurrent    int           `yaml:"max_concurrent"`     // concurrent documents
	Backoff          BackoffConfig `yaml:"backoff"`
}

// VerificationConfig holds word-coverage policy. The threshold and similarity
// cutoff are policy parameters, not derived constants.
type VerificationConfig struct {
	CoverageThreshold float64  `yaml:"coverage_threshold"` // percent, READY at or above
	FuzzySimilarity   float64  `yaml:"fuzzy_similarity"`   // 0..1, minimum fuzzy-match ratio
	CriticalTerms     []string `yaml:"critical_terms"`     // absence forces review
	Standards         []string `yaml:"standards"`          // compliance reference standards
}

// WatchConfig holds inbox directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.ImageStorePath = expandPath(cfg.Storage.ImageStorePath, configDir)
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
