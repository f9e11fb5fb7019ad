// Package config provides configuration loading and validation for the
// derivation pipeline: YAML files layered under DERIVE_* environment
// overrides, with range-checked values and environment gating.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid tags every validation failure so callers can map it onto
// the configuration-invalid exit code.
var ErrInvalid = errors.New("config: invalid")

// Environments.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config is the complete pipeline configuration.
type Config struct {
	// Environment selects the deployment profile. Production requires at
	// least one LM API key and a non-localhost state URL.
	Environment string `yaml:"environment"`

	Workers WorkersConfig `yaml:"workers"`
	API     APIConfig     `yaml:"api"`
	Cache   CacheConfig   `yaml:"cache"`
	State   StateConfig   `yaml:"state"`
	Output  OutputConfig  `yaml:"output"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Counts             WorkerCounts `yaml:"counts"`
	MaxConcurrentTasks int          `yaml:"max_concurrent_tasks"`
}

// WorkerCounts is the number of instances per role.
type WorkerCounts struct {
	Parser     int `yaml:"parser"`
	AI         int `yaml:"ai"`
	Media      int `yaml:"media"`
	Aggregator int `yaml:"aggregator"`
}

// APIConfig configures the LM provider clients.
type APIConfig struct {
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GoogleAPIKey    string `yaml:"google_api_key"`

	// Per-provider sliding-window request caps, requests per minute.
	OpenAIRateLimit    int `yaml:"openai_rate_limit"`
	AnthropicRateLimit int `yaml:"anthropic_rate_limit"`
	GoogleRateLimit    int `yaml:"google_rate_limit"`

	// TimeoutSeconds bounds one outbound request.
	TimeoutSeconds int `yaml:"timeout"`

	// MaxRetries bounds transient-failure retries per request.
	MaxRetries int `yaml:"max_retries"`
}

// Timeout returns the per-request timeout as a duration.
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// HasLMKey reports whether any provider key is configured.
func (a APIConfig) HasLMKey() bool {
	return a.OpenAIAPIKey != "" || a.AnthropicAPIKey != "" || a.GoogleAPIKey != ""
}

// CacheConfig sizes the generation response cache. Zero size means
// unbounded; zero TTL means entries never expire.
type CacheConfig struct {
	Size       int `yaml:"size"`
	TTLSeconds int `yaml:"ttl"`
}

// TTL returns the entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// StateConfig selects the execution-store backend. RedisURL wins over
// FileRoot; with neither set the in-memory store is used.
type StateConfig struct {
	RedisURL  string `yaml:"redis_url"`
	FileRoot  string `yaml:"file_root"`
	SQLitePth string `yaml:"sqlite_path"`
	MySQLDSN  string `yaml:"mysql_dsn"`

	// ExecutionTTLSeconds is the retention window for terminal workflow
	// records. Default 24 hours.
	ExecutionTTLSeconds int `yaml:"execution_ttl"`
}

// ExecutionTTL returns the retention window as a duration.
func (s StateConfig) ExecutionTTL() time.Duration {
	return time.Duration(s.ExecutionTTLSeconds) * time.Second
}

// OutputConfig steers report delivery.
type OutputConfig struct {
	// ObjectStoreURL is the base URL of the object-store sink. Empty
	// keeps artifacts in memory (development).
	ObjectStoreURL   string `yaml:"object_store_url"`
	ObjectStoreToken string `yaml:"object_store_token"`

	// ReportPrefix is the key prefix reports are written under.
	ReportPrefix string `yaml:"report_prefix"`

	// VCS push of the final report, enabled when URL is set.
	VCSURL    string `yaml:"vcs_url"`
	VCSToken  string `yaml:"vcs_token"`
	VCSBranch string `yaml:"vcs_branch"`

	// Chat notification on workflow completion or failure.
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARNING, ERROR, CRITICAL.
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level onto slog's scale. CRITICAL maps
// above ERROR.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "CRITICAL":
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Workers: WorkersConfig{
			Counts:             WorkerCounts{Parser: 2, AI: 3, Media: 2, Aggregator: 1},
			MaxConcurrentTasks: 10,
		},
		API: APIConfig{
			OpenAIRateLimit:    60,
			AnthropicRateLimit: 60,
			GoogleRateLimit:    60,
			TimeoutSeconds:     30,
			MaxRetries:         3,
		},
		State: StateConfig{
			ExecutionTTLSeconds: int((24 * time.Hour).Seconds()),
		},
		Output: OutputConfig{
			ReportPrefix: "reports",
			VCSBranch:    "main",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// Validate range-checks every recognized option and applies the
// environment gating rules. All failures wrap ErrInvalid.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return invalid("environment must be development, staging or production, got %q", c.Environment)
	}

	counts := c.Workers.Counts
	for role, n := range map[string]int{
		"parser": counts.Parser, "ai": counts.AI,
		"media": counts.Media, "aggregator": counts.Aggregator,
	} {
		if n < 0 {
			return invalid("workers.counts.%s must be >= 0, got %d", role, n)
		}
	}
	if c.Workers.MaxConcurrentTasks < 1 || c.Workers.MaxConcurrentTasks > 100 {
		return invalid("workers.max_concurrent_tasks must be in [1,100], got %d", c.Workers.MaxConcurrentTasks)
	}

	for name, key := range map[string]string{
		"openai_api_key": c.API.OpenAIAPIKey, "anthropic_api_key": c.API.AnthropicAPIKey,
		"google_api_key": c.API.GoogleAPIKey,
	} {
		if key != "" && len(key) < 10 {
			return invalid("api.%s must be at least 10 characters", name)
		}
	}
	for name, limit := range map[string]int{
		"openai_rate_limit": c.API.OpenAIRateLimit, "anthropic_rate_limit": c.API.AnthropicRateLimit,
		"google_rate_limit": c.API.GoogleRateLimit,
	} {
		if limit < 1 || limit > 1000 {
			return invalid("api.%s must be in [1,1000], got %d", name, limit)
		}
	}
	if c.API.TimeoutSeconds < 1 || c.API.TimeoutSeconds > 300 {
		return invalid("api.timeout must be in [1,300] seconds, got %d", c.API.TimeoutSeconds)
	}
	if c.API.MaxRetries < 0 || c.API.MaxRetries > 10 {
		return invalid("api.max_retries must be in [0,10], got %d", c.API.MaxRetries)
	}

	if c.Cache.Size < 0 {
		return invalid("cache.size must be >= 0, got %d", c.Cache.Size)
	}
	if c.Cache.TTLSeconds < 0 {
		return invalid("cache.ttl must be >= 0, got %d", c.Cache.TTLSeconds)
	}
	if c.State.ExecutionTTLSeconds < 0 {
		return invalid("state.execution_ttl must be >= 0, got %d", c.State.ExecutionTTLSeconds)
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		return invalid("logging.level must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL, got %q", c.Logging.Level)
	}

	if c.Environment == EnvProduction {
		if !c.API.HasLMKey() {
			return invalid("production requires at least one LM api key")
		}
		if c.State.RedisURL == "" {
			return invalid("production requires state.redis_url")
		}
		if isLocalhost(c.State.RedisURL) {
			return invalid("production requires a non-localhost state.redis_url")
		}
	}
	return nil
}

func isLocalhost(url string) bool {
	return strings.Contains(url, "localhost") || strings.Contains(url, "127.0.0.1")
}

// LoadFromFile reads a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	return cfg, nil
}
