package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// EnvPrefix is the prefix of every recognized environment override.
const EnvPrefix = "DERIVE_"

// Loader assembles the effective configuration: defaults, then an
// optional YAML file, then DERIVE_* environment overrides, validated
// last.
type Loader struct {
	log *slog.Logger

	// lookup is swappable for tests.
	lookup func(string) (string, bool)
}

// NewLoader creates a loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{log: logger, lookup: os.LookupEnv}
}

// Load builds the configuration. An empty path skips the file layer.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
		l.log.Debug("configuration file loaded", slog.String("path", path))
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the recognized DERIVE_* variables.
func (l *Loader) applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := l.lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("ENVIRONMENT", &cfg.Environment)
	str("OPENAI_API_KEY", &cfg.API.OpenAIAPIKey)
	str("ANTHROPIC_API_KEY", &cfg.API.AnthropicAPIKey)
	str("GOOGLE_API_KEY", &cfg.API.GoogleAPIKey)
	str("REDIS_URL", &cfg.State.RedisURL)
	str("FILE_ROOT", &cfg.State.FileRoot)
	str("SQLITE_PATH", &cfg.State.SQLitePth)
	str("MYSQL_DSN", &cfg.State.MySQLDSN)
	str("OBJECT_STORE_URL", &cfg.Output.ObjectStoreURL)
	str("OBJECT_STORE_TOKEN", &cfg.Output.ObjectStoreToken)
	str("VCS_URL", &cfg.Output.VCSURL)
	str("VCS_TOKEN", &cfg.Output.VCSToken)
	str("SLACK_TOKEN", &cfg.Output.SlackToken)
	str("SLACK_CHANNEL", &cfg.Output.SlackChannel)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("METRICS_ADDR", &cfg.Metrics.Addr)

	var err error
	num := func(name string, dst *int) {
		v, ok := l.lookup(EnvPrefix + name)
		if !ok || err != nil {
			return
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = fmt.Errorf("%w: %s%s must be an integer, got %q", ErrInvalid, EnvPrefix, name, v)
			return
		}
		*dst = n
	}
	num("MAX_CONCURRENT_TASKS", &cfg.Workers.MaxConcurrentTasks)
	num("API_TIMEOUT", &cfg.API.TimeoutSeconds)
	num("MAX_RETRIES", &cfg.API.MaxRetries)
	num("CACHE_SIZE", &cfg.Cache.Size)
	num("CACHE_TTL", &cfg.Cache.TTLSeconds)
	if err != nil {
		return err
	}

	if v, ok := l.lookup(EnvPrefix + "METRICS_ENABLED"); ok {
		enabled, convErr := strconv.ParseBool(v)
		if convErr != nil {
			return fmt.Errorf("%w: %sMETRICS_ENABLED must be a boolean, got %q", ErrInvalid, EnvPrefix, v)
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}
