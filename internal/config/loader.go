package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = &Config{}
		applyDefaults(cfg)
		return cfg, nil
	}
	return cfg, err
}

// Parse decodes JSONC config data.
func Parse(data []byte) (*Config, error) {
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
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
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
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18520
	}
	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = "/hub/ws"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" && cfg.Storage.Driver != "memory" {
		name := "taskhub.db"
		if cfg.Storage.Driver == "dir" {
			name = "data"
		}
		cfg.Storage.Path = filepath.Join(TaskhubPath(), name)
	}
	if len(cfg.Catalog.Dirs) == 0 {
		cfg.Catalog.Dirs = []string{filepath.Join(TaskhubPath(), "tasks")}
	}
	if cfg.Hub.CoProcessorPolicy == "" {
		cfg.Hub.CoProcessorPolicy = "skip"
	}
	if cfg.Hub.SendBuffer == 0 {
		cfg.Hub.SendBuffer = 256
	}
	if cfg.Locks.WatchdogInterval == 0 {
		cfg.Locks.WatchdogInterval = Duration(30 * time.Second)
	}
	if cfg.Locks.StuckAfter == 0 {
		cfg.Locks.StuckAfter = Duration(time.Minute)
	}
	if cfg.Locks.IdleAfter == 0 {
		cfg.Locks.IdleAfter = Duration(10 * time.Minute)
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

func validate(cfg *Config) error {
	switch cfg.Hub.CoProcessorPolicy {
	case "skip", "stall":
	default:
		return fmt.Errorf("hub.coprocessor_policy: unknown value %q", cfg.Hub.CoProcessorPolicy)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown value %q", cfg.Log.Format)
	}
	if _, err := cfg.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}
