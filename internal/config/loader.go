package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// standardizes it to plain JSON, unmarshals it into Config, and applies defaults.
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
	return &cfg, nil
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// LoadOrDefault loads path, falling back to defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
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
	if cfg.Vault.Path == "" {
		cfg.Vault.Path = WardenPath()
	}

	if cfg.Loop.Interval == 0 {
		cfg.Loop.Interval = Duration(time.Second)
	}
	if cfg.Loop.DefaultMaxIterations <= 0 {
		cfg.Loop.DefaultMaxIterations = 10
	}

	r := &cfg.Recovery
	if r.MaxRetries <= 0 {
		r.MaxRetries = 3
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = Duration(time.Second)
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = Duration(60 * time.Second)
	}
	if r.RateLimitThreshold <= 0 {
		r.RateLimitThreshold = 5
	}
	if r.RateWindow == 0 {
		r.RateWindow = Duration(60 * time.Second)
	}
	if r.RateLimitPause == 0 {
		r.RateLimitPause = Duration(60 * time.Second)
	}
	if r.Limiter.Driver == "" {
		r.Limiter.Driver = "memory"
	}
	if r.Limiter.Driver == "sqlite" && r.Limiter.Path == "" {
		r.Limiter.Path = filepath.Join(cfg.Vault.Path, "ratelimit.db")
	}

	if cfg.Restart.Timeout == 0 {
		cfg.Restart.Timeout = Duration(30 * time.Second)
	}

	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 2
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = Duration(5 * time.Second)
	}
	if cfg.Worker.ExecTimeout == 0 {
		cfg.Worker.ExecTimeout = Duration(5 * time.Minute)
	}

	if cfg.Flags.CacheTTL == 0 {
		cfg.Flags.CacheTTL = Duration(2 * time.Second)
	}

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18430
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
