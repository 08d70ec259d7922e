package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database" validate:"required"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	IDs         IDConfig          `mapstructure:"ids"`
	Workers     WorkersConfig     `mapstructure:"workers"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Preferences PreferencesConfig `mapstructure:"preferences"`
	Retention   RetentionConfig   `mapstructure:"retention"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects and configures the context store backend.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" validate:"required,oneof=memory postgres sqlite"`
	URL          string `mapstructure:"url" validate:"required_unless=Driver memory"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

// RedisConfig configures the optional shared preference cache.
// An empty Addr disables it.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AuthConfig configures bearer-token verification on the API.
// An empty secret disables authentication.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
}

// LLMConfig configures the generative capability executor.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	ModelName    string `mapstructure:"model_name" validate:"required"`
}

// RemoteConfig locates the external collaborators reached over HTTP.
type RemoteConfig struct {
	DataSourceURL     string            `mapstructure:"data_source_url" validate:"omitempty,url"`
	ValidatorURL      string            `mapstructure:"validator_url" validate:"omitempty,url"`
	PreferenceURL     string            `mapstructure:"preference_url" validate:"omitempty,url"`
	ExecutorURLs      map[string]string `mapstructure:"executor_urls"`
	Timeout           time.Duration     `mapstructure:"timeout" validate:"gt=0"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int               `mapstructure:"burst" validate:"gte=0"`
}

// CatalogConfig points at the YAML catalog of templates and job definitions.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// IDConfig configures identifier generation.
type IDConfig struct {
	Source string `mapstructure:"source" validate:"required"`
}

// WorkersConfig configures the poll-based worker pools.
type WorkersConfig struct {
	// Instances maps a capability to the number of independent poll loops.
	Instances         map[string]int `mapstructure:"instances"`
	PollInterval      time.Duration  `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize         int            `mapstructure:"batch_size" validate:"gt=0"`
	CallTimeout       time.Duration  `mapstructure:"call_timeout" validate:"gt=0"`
	ProbeInterval     time.Duration  `mapstructure:"probe_interval" validate:"gt=0"`
	MaxRetries        int            `mapstructure:"max_retries" validate:"gte=0"`
	BackoffBase       time.Duration  `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax        time.Duration  `mapstructure:"backoff_max" validate:"gtfield=BackoffBase"`
	RequestsPerSecond float64        `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int            `mapstructure:"burst" validate:"gte=0"`
}

// BatchConfig configures the batch processor.
type BatchConfig struct {
	Concurrency       int           `mapstructure:"concurrency" validate:"gt=0"`
	ChunkSize         int           `mapstructure:"chunk_size" validate:"gt=0"`
	PageSize          int           `mapstructure:"page_size" validate:"gt=0,lte=1000"`
	AwaitPollInterval time.Duration `mapstructure:"await_poll_interval" validate:"gt=0"`
	AgingInterval     time.Duration `mapstructure:"aging_interval" validate:"gt=0"`
}

// SchedulerConfig configures the batch scheduler.
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	HistorySize  int           `mapstructure:"history_size" validate:"gt=0"`
}

// PreferencesConfig configures the preference client caches.
type PreferencesConfig struct {
	TTL       time.Duration `mapstructure:"ttl" validate:"gt=0"`
	CacheSize int           `mapstructure:"cache_size" validate:"gt=0"`
}

// RetentionConfig configures TTL purging and stale-claim reclaim.
type RetentionConfig struct {
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	StaleAfter    time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	SweepBatch    int           `mapstructure:"sweep_batch" validate:"gt=0"`
}
