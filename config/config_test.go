package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Workers.Counts.Parser != 2 || cfg.Workers.Counts.AI != 3 ||
		cfg.Workers.Counts.Media != 2 || cfg.Workers.Counts.Aggregator != 1 {
		t.Errorf("default counts = %+v", cfg.Workers.Counts)
	}
	if cfg.Workers.MaxConcurrentTasks != 10 {
		t.Errorf("max_concurrent_tasks = %d, want 10", cfg.Workers.MaxConcurrentTasks)
	}
	if cfg.API.TimeoutSeconds != 30 || cfg.API.MaxRetries != 3 || cfg.API.OpenAIRateLimit != 60 {
		t.Errorf("api defaults = %+v", cfg.API)
	}
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad environment", func(c *Config) { c.Environment = "prod" }, "environment"},
		{"negative worker count", func(c *Config) { c.Workers.Counts.AI = -1 }, "workers.counts.ai"},
		{"zero concurrency", func(c *Config) { c.Workers.MaxConcurrentTasks = 0 }, "max_concurrent_tasks"},
		{"excess concurrency", func(c *Config) { c.Workers.MaxConcurrentTasks = 101 }, "max_concurrent_tasks"},
		{"short api key", func(c *Config) { c.API.OpenAIAPIKey = "short" }, "openai_api_key"},
		{"rate limit too high", func(c *Config) { c.API.GoogleRateLimit = 1001 }, "google_rate_limit"},
		{"zero timeout", func(c *Config) { c.API.TimeoutSeconds = 0 }, "api.timeout"},
		{"timeout too long", func(c *Config) { c.API.TimeoutSeconds = 301 }, "api.timeout"},
		{"negative retries", func(c *Config) { c.API.MaxRetries = -1 }, "max_retries"},
		{"retries too high", func(c *Config) { c.API.MaxRetries = 11 }, "max_retries"},
		{"bad log level", func(c *Config) { c.Logging.Level = "TRACE" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error does not wrap ErrInvalid: %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestProductionGating(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Environment = EnvProduction
		cfg.API.AnthropicAPIKey = "sk-ant-test-key"
		cfg.State.RedisURL = "redis://cache.internal:6379/0"
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid production config rejected: %v", err)
	}

	cfg := base()
	cfg.API.AnthropicAPIKey = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "LM api key") {
		t.Errorf("missing LM key: err = %v", err)
	}

	cfg = base()
	cfg.State.RedisURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("production without redis_url accepted")
	}

	cfg = base()
	cfg.State.RedisURL = "redis://localhost:6379"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "non-localhost") {
		t.Errorf("localhost redis in production: err = %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "derive.yaml")
	doc := `
environment: staging
workers:
  counts:
    ai: 5
  max_concurrent_tasks: 20
api:
  openai_api_key: sk-test-0123456789
  timeout: 60
logging:
  level: DEBUG
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Errorf("environment = %q", cfg.Environment)
	}
	if cfg.Workers.Counts.AI != 5 {
		t.Errorf("ai count = %d, want 5", cfg.Workers.Counts.AI)
	}
	// Unset fields keep their defaults.
	if cfg.Workers.Counts.Parser != 2 {
		t.Errorf("parser count = %d, want default 2", cfg.Workers.Counts.Parser)
	}
	if cfg.API.TimeoutSeconds != 60 || cfg.API.MaxRetries != 3 {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Logging.SlogLevel() != slog.LevelDebug {
		t.Errorf("slog level = %v, want debug", cfg.Logging.SlogLevel())
	}

	if _, err := LoadFromFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("workers: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(bad); !errors.Is(err, ErrInvalid) {
		t.Errorf("malformed yaml: err = %v, want ErrInvalid", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"DERIVE_ENVIRONMENT":          "staging",
		"DERIVE_ANTHROPIC_API_KEY":    "sk-ant-0123456789",
		"DERIVE_MAX_CONCURRENT_TASKS": "42",
		"DERIVE_METRICS_ENABLED":      "true",
		"DERIVE_LOG_LEVEL":            "WARNING",
	}
	l := NewLoader(nil)
	l.lookup = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Errorf("environment = %q", cfg.Environment)
	}
	if cfg.API.AnthropicAPIKey != "sk-ant-0123456789" {
		t.Errorf("anthropic key = %q", cfg.API.AnthropicAPIKey)
	}
	if cfg.Workers.MaxConcurrentTasks != 42 {
		t.Errorf("max_concurrent_tasks = %d, want 42", cfg.Workers.MaxConcurrentTasks)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics not enabled")
	}
	if cfg.Logging.Level != "WARNING" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestEnvOverrideErrors(t *testing.T) {
	l := NewLoader(nil)
	l.lookup = func(key string) (string, bool) {
		if key == "DERIVE_MAX_CONCURRENT_TASKS" {
			return "many", true
		}
		return "", false
	}
	if _, err := l.Load(""); !errors.Is(err, ErrInvalid) {
		t.Errorf("non-integer override: err = %v, want ErrInvalid", err)
	}

	l.lookup = func(key string) (string, bool) {
		if key == "DERIVE_METRICS_ENABLED" {
			return "yep", true
		}
		return "", false
	}
	if _, err := l.Load(""); !errors.Is(err, ErrInvalid) {
		t.Errorf("non-boolean override: err = %v, want ErrInvalid", err)
	}
}

func TestEnvOverridesAreValidated(t *testing.T) {
	l := NewLoader(nil)
	l.lookup = func(key string) (string, bool) {
		if key == "DERIVE_ENVIRONMENT" {
			return "production", true
		}
		return "", false
	}
	// Production via env without keys must still fail gating.
	if _, err := l.Load(""); !errors.Is(err, ErrInvalid) {
		t.Errorf("ungated production accepted: %v", err)
	}
}
