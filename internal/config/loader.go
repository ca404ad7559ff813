package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// standardizes it to plain JSON, unmarshals it into Config, and applies
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates (before standardizing, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18421
	}
	if cfg.Executor.TickInterval == 0 {
		cfg.Executor.TickInterval = Duration(20 * time.Millisecond)
	}
	if cfg.Executor.MaxItemsPerTick == 0 {
		cfg.Executor.MaxItemsPerTick = 1
	}
	if cfg.Diagnostic.MaxAttempts == 0 {
		cfg.Diagnostic.MaxAttempts = 2
	}
	if cfg.Diagnostic.SliceFraction == 0 {
		cfg.Diagnostic.SliceFraction = 0.4
	}
	if cfg.Diagnostic.MinBudget == 0 {
		cfg.Diagnostic.MinBudget = Duration(500 * time.Millisecond)
	}
	if cfg.Diagnostic.DefaultTimeout == 0 {
		cfg.Diagnostic.DefaultTimeout = Duration(30 * time.Second)
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = HostbridgePath()
	}
	if cfg.Output.MaxBytes == 0 {
		cfg.Output.MaxBytes = 100_000
	}
	if cfg.Output.BufferSize == 0 {
		cfg.Output.BufferSize = 8 * 1024
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "auto"
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q (want file or sqlite)", c.Storage.Backend)
	}
	if c.Diagnostic.SliceFraction <= 0 || c.Diagnostic.SliceFraction > 1 {
		return fmt.Errorf("diagnostic.slice_fraction must be in (0, 1], got %v", c.Diagnostic.SliceFraction)
	}
	if c.Executor.MaxItemsPerTick < 0 {
		return fmt.Errorf("executor.max_items_per_tick must be >= 0, got %d", c.Executor.MaxItemsPerTick)
	}
	return nil
}
