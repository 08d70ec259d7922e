package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "CONTEXTFLOW"

// Load configuration from defaults, an optional config.yaml and environment
// variables. Environment variables take precedence over values from config
// files. Returns a populated Config or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is like Load but reads the config file at path when it is set.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/contextflow")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// setDefaults registers a default for every key so that AutomaticEnv can
// override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "contextflow:")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.model_name", "gemini-2.0-flash")

	v.SetDefault("remote.data_source_url", "")
	v.SetDefault("remote.validator_url", "")
	v.SetDefault("remote.preference_url", "")
	v.SetDefault("remote.executor_urls.analysis", "")
	v.SetDefault("remote.executor_urls.communication", "")
	v.SetDefault("remote.timeout", "10s")
	v.SetDefault("remote.requests_per_second", 50)
	v.SetDefault("remote.burst", 10)

	v.SetDefault("catalog.path", "")
	v.SetDefault("ids.source", "contextflow")

	v.SetDefault("workers.instances.generative", 2)
	v.SetDefault("workers.instances.analysis", 2)
	v.SetDefault("workers.instances.communication", 1)
	v.SetDefault("workers.poll_interval", "2s")
	v.SetDefault("workers.batch_size", 10)
	v.SetDefault("workers.call_timeout", "60s")
	v.SetDefault("workers.probe_interval", "10s")
	v.SetDefault("workers.max_retries", 3)
	v.SetDefault("workers.backoff_base", "5s")
	v.SetDefault("workers.backoff_max", "5m")
	v.SetDefault("workers.requests_per_second", 0)
	v.SetDefault("workers.burst", 1)

	v.SetDefault("batch.concurrency", 20)
	v.SetDefault("batch.chunk_size", 50)
	v.SetDefault("batch.page_size", 100)
	v.SetDefault("batch.await_poll_interval", "1s")
	v.SetDefault("batch.aging_interval", "2m")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval", "30s")
	v.SetDefault("scheduler.history_size", 50)

	v.SetDefault("preferences.ttl", "5m")
	v.SetDefault("preferences.cache_size", 10000)

	v.SetDefault("retention.ttl", "168h")
	v.SetDefault("retention.sweep_interval", "10m")
	v.SetDefault("retention.stale_after", "15m")
	v.SetDefault("retention.sweep_batch", 500)
}
