package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the CLI and the daemon.
// Zero values mean "unspecified" and are replaced by defaults by the commands.
type Config struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	Source   string `json:"source" yaml:"source" toml:"source"`
	CacheDir string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	ContextSize int `json:"context_size" yaml:"context_size" toml:"context_size"`
	// GPULayers is a pointer because 0 (CPU only) is meaningful.
	GPULayers *int `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	Threads   int  `json:"threads" yaml:"threads" toml:"threads"`

	SystemPrompt  string   `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	MaxTokens     int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Temperature   float32  `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK          int      `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP          float32  `json:"top_p" yaml:"top_p" toml:"top_p"`
	RepeatPenalty float32  `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	RepeatLastN   int      `json:"repeat_last_n" yaml:"repeat_last_n" toml:"repeat_last_n"`
	Seed          int      `json:"seed" yaml:"seed" toml:"seed"`
	Stop          []string `json:"stop" yaml:"stop" toml:"stop"`

	MaxQueueDepth  int      `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitSeconds int      `json:"max_wait_seconds" yaml:"max_wait_seconds" toml:"max_wait_seconds"`
	MaxBodyBytes   int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORSOrigins    []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
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
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Environment variables consulted by ApplyEnv.
const (
	EnvAddr     = "BITNET_ADDR"
	EnvCacheDir = "BITNET_CACHE_DIR"
	EnvSource   = "BITNET_SOURCE"
	EnvLogLevel = "BITNET_LOG_LEVEL"
)

// ApplyEnv overrides fields from non-empty environment variables. getenv is
// usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvAddr); v != "" {
		c.Addr = v
	}
	if v := getenv(EnvCacheDir); v != "" {
		c.CacheDir = v
	}
	if v := getenv(EnvSource); v != "" {
		c.Source = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}
