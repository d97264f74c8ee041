// Package config loads the service's runtime configuration from a
// YAML/JSON/TOML file, selecting the unmarshaler by file extension the way
// the rest of this codebase's file-format-aware components do.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"inferd/internal/frontend"
	"inferd/pkg/types"
)

// ModelSpec is one entry of the config file's models list: what to load and
// how to reach it.
type ModelSpec struct {
	Name         string `json:"name" yaml:"name" toml:"name"`
	Version      string `json:"version" yaml:"version" toml:"version"`
	Backend      string `json:"backend" yaml:"backend" toml:"backend"` // "mock" or "llama_server"
	LoadPath     string `json:"load_path" yaml:"load_path" toml:"load_path"`
	BinaryPath   string `json:"binary_path" yaml:"binary_path" toml:"binary_path"`
	MaxSeqLength int    `json:"max_seq_length" yaml:"max_seq_length" toml:"max_seq_length"`
	WarmupTokens int    `json:"warmup_tokens" yaml:"warmup_tokens" toml:"warmup_tokens"`
}

// ToModelConfig converts the config-file shape to the registry's runtime
// shape.
func (m ModelSpec) ToModelConfig() types.ModelConfig {
	return types.ModelConfig{
		Name:         m.Name,
		Version:      m.Version,
		LoadPath:     m.LoadPath,
		MaxSeqLength: m.MaxSeqLength,
		WarmupTokens: m.WarmupTokens,
	}
}

// Config holds every runtime parameter for the service. Zero values mean
// "unspecified" and are replaced by frontend.Defaults() where applicable.
type Config struct {
	Addr      string      `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string      `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	Models    []ModelSpec `json:"models" yaml:"models" toml:"models"`

	MaxConnections          int   `json:"max_connections" yaml:"max_connections" toml:"max_connections"`
	RequestTimeoutSeconds   int   `json:"request_timeout_seconds" yaml:"request_timeout_seconds" toml:"request_timeout_seconds"`
	MaxBatchSize            int   `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	MaxBatchWaitMs          int   `json:"max_batch_wait_ms" yaml:"max_batch_wait_ms" toml:"max_batch_wait_ms"`
	RateLimitPerMinute      int   `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute" toml:"rate_limit_per_minute"`
	RateLimitIdleEvictMin   int   `json:"rate_limit_idle_evict_minutes" yaml:"rate_limit_idle_evict_minutes" toml:"rate_limit_idle_evict_minutes"`
	GracefulShutdownSeconds int   `json:"graceful_shutdown_seconds" yaml:"graceful_shutdown_seconds" toml:"graceful_shutdown_seconds"`
	StreamBufferSize        int   `json:"stream_buffer_size" yaml:"stream_buffer_size" toml:"stream_buffer_size"`
	StreamIdleTimeoutSec    int   `json:"stream_idle_timeout_seconds" yaml:"stream_idle_timeout_seconds" toml:"stream_idle_timeout_seconds"`
	MetricsWindowSize       int   `json:"metrics_window_size" yaml:"metrics_window_size" toml:"metrics_window_size"`
	MaxBodyBytes            int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
}

// Load reads a configuration file, choosing the unmarshaler by extension:
// .yaml/.yml, .json, .toml.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// FrontendConfig maps the file-level config onto frontend.Config, applying
// frontend.Defaults() for every unset (zero-valued) field.
func (c Config) FrontendConfig() frontend.Config {
	d := frontend.Defaults()
	fc := d
	if c.MaxConnections > 0 {
		fc.MaxConnections = c.MaxConnections
	}
	if c.RequestTimeoutSeconds > 0 {
		fc.RequestTimeout = time.Duration(c.RequestTimeoutSeconds) * time.Second
	}
	if c.MaxBatchSize > 0 {
		fc.MaxBatchSize = c.MaxBatchSize
	}
	if c.MaxBatchWaitMs > 0 {
		fc.MaxBatchWait = time.Duration(c.MaxBatchWaitMs) * time.Millisecond
	}
	if c.RateLimitPerMinute > 0 {
		fc.RateLimitPerMinute = c.RateLimitPerMinute
	}
	if c.RateLimitIdleEvictMin > 0 {
		fc.RateLimitIdleEvict = time.Duration(c.RateLimitIdleEvictMin) * time.Minute
	}
	if c.GracefulShutdownSeconds > 0 {
		fc.GracefulShutdownTimeout = time.Duration(c.GracefulShutdownSeconds) * time.Second
	}
	if c.StreamBufferSize > 0 {
		fc.StreamBufferSize = c.StreamBufferSize
	}
	if c.StreamIdleTimeoutSec > 0 {
		fc.StreamIdleTimeout = time.Duration(c.StreamIdleTimeoutSec) * time.Second
	}
	if c.MetricsWindowSize > 0 {
		fc.MetricsWindowSize = c.MetricsWindowSize
	}
	return fc
}
