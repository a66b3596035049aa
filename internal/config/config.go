package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Events    EventsConfig    `mapstructure:"events"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite or postgres
	DSN          string `mapstructure:"dsn"`    // Connection string
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	LogQueries   bool   `mapstructure:"log_queries"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PollSecret      string        `mapstructure:"poll_secret"`
	GinMode         string        `mapstructure:"gin_mode"`
}

// PlatformConfig holds messaging platform API settings
type PlatformConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIVersion  string        `mapstructure:"api_version"`
	AppSecret   string        `mapstructure:"app_secret"`   // webhook signature key
	VerifyToken string        `mapstructure:"verify_token"` // webhook handshake token
	Timeout     time.Duration `mapstructure:"timeout"`
	// Outbound pacing per account, independent of campaign send caps
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	// Circuit breaker
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerDelay    time.Duration `mapstructure:"breaker_delay"`
}

// PollerConfig holds comment polling settings
type PollerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MediaLimit     int           `mapstructure:"media_limit"`     // recent posts scanned per account
	CommentLimit   int           `mapstructure:"comment_limit"`   // comments fetched per post
	Lookback       time.Duration `mapstructure:"lookback"`        // first scan window
	MaxConcurrency int           `mapstructure:"max_concurrency"` // accounts scanned at once
}

// SchedulerConfig holds cron settings for the daemon
type SchedulerConfig struct {
	PollCron    string `mapstructure:"poll_cron"`   // empty disables
	ResumeCron  string `mapstructure:"resume_cron"` // empty disables
	ReclaimCron string `mapstructure:"reclaim_cron"`
}

// WorkerConfig holds work queue consumer settings
type WorkerConfig struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	ReleaseDelay time.Duration `mapstructure:"release_delay"`
}

// EngineConfig holds flow execution settings
type EngineConfig struct {
	ReplyTimeout    time.Duration `mapstructure:"reply_timeout"`
	MaxSteps        int           `mapstructure:"max_steps"`
	IngestTimeout   time.Duration `mapstructure:"ingest_timeout"`
	ResumeBatchSize int           `mapstructure:"resume_batch_size"`
}

// DispatchConfig holds send retry settings
type DispatchConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// RateLimitConfig holds campaign admission settings
type RateLimitConfig struct {
	Store       string        `mapstructure:"store"` // database, redis or memory
	BurstLimit  int           `mapstructure:"burst_limit"`
	BurstWindow time.Duration `mapstructure:"burst_window"`
	Redis       RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// EventsConfig holds lifecycle event publishing settings
type EventsConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Kafka   KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig holds kafka producer settings
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// TrackerConfig holds Google Sheets lead export settings
type TrackerConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	SpreadsheetID      string `mapstructure:"spreadsheet_id"`
	SheetName          string `mapstructure:"sheet_name"`
	CredentialsFile    string `mapstructure:"credentials_file"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".dm-agent"))
		}
	}

	v.SetEnvPrefix("DMAGENT")
	v.AutomaticEnv()

	// Explicit bindings for nested keys (Viper doesn't auto-bind underscored nested keys)
	v.BindEnv("database.driver", "DMAGENT_DATABASE_DRIVER")
	v.BindEnv("database.dsn", "DMAGENT_DATABASE_DSN")
	v.BindEnv("server.addr", "DMAGENT_SERVER_ADDR")
	v.BindEnv("server.poll_secret", "DMAGENT_SERVER_POLL_SECRET")
	v.BindEnv("platform.app_secret", "DMAGENT_PLATFORM_APP_SECRET")
	v.BindEnv("platform.verify_token", "DMAGENT_PLATFORM_VERIFY_TOKEN")
	v.BindEnv("platform.base_url", "DMAGENT_PLATFORM_BASE_URL")
	v.BindEnv("rate_limit.store", "DMAGENT_RATE_LIMIT_STORE")
	v.BindEnv("rate_limit.redis.addr", "DMAGENT_RATE_LIMIT_REDIS_ADDR")
	v.BindEnv("rate_limit.redis.password", "DMAGENT_RATE_LIMIT_REDIS_PASSWORD")
	v.BindEnv("events.enabled", "DMAGENT_EVENTS_ENABLED")
	v.BindEnv("events.kafka.brokers", "DMAGENT_EVENTS_KAFKA_BROKERS")
	v.BindEnv("tracker.enabled", "DMAGENT_TRACKER_ENABLED")
	v.BindEnv("tracker.spreadsheet_id", "DMAGENT_TRACKER_SPREADSHEET_ID")
	v.BindEnv("tracker.credentials_file", "DMAGENT_TRACKER_CREDENTIALS_FILE")
	v.BindEnv("tracker.service_account_json", "DMAGENT_TRACKER_SERVICE_ACCOUNT_JSON")
	v.BindEnv("logging.level", "DMAGENT_LOGGING_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/dm-agent.db")
	v.SetDefault("database.max_open_conns", 1)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.gin_mode", "release")

	v.SetDefault("platform.base_url", "https://graph.instagram.com")
	v.SetDefault("platform.api_version", "v21.0")
	v.SetDefault("platform.timeout", "15s")
	v.SetDefault("platform.requests_per_second", 5.0)
	v.SetDefault("platform.burst", 5)
	v.SetDefault("platform.breaker_failures", 5)
	v.SetDefault("platform.breaker_delay", "30s")

	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.media_limit", 10)
	v.SetDefault("poller.comment_limit", 50)
	v.SetDefault("poller.lookback", "24h")
	v.SetDefault("poller.max_concurrency", 4)

	v.SetDefault("scheduler.poll_cron", "*/5 * * * *") // Every 5 minutes
	v.SetDefault("scheduler.resume_cron", "* * * * *") // Every minute
	v.SetDefault("scheduler.reclaim_cron", "*/10 * * * *")

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.batch_size", 16)
	v.SetDefault("worker.stale_after", "5m")
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.release_delay", "30s")

	v.SetDefault("engine.reply_timeout", "24h")
	v.SetDefault("engine.max_steps", 50)
	v.SetDefault("engine.ingest_timeout", "5s")
	v.SetDefault("engine.resume_batch_size", 200)

	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.base_backoff", "500ms")
	v.SetDefault("dispatch.max_backoff", "10s")

	// Burst window shared by every campaign in the process
	v.SetDefault("rate_limit.store", "database")
	v.SetDefault("rate_limit.burst_limit", 20)
	v.SetDefault("rate_limit.burst_window", "1m")
	v.SetDefault("rate_limit.redis.addr", "localhost:6379")
	v.SetDefault("rate_limit.redis.key_prefix", "dmagent:rl")

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.kafka.topic", "dm-agent.triggers")
	v.SetDefault("events.kafka.client_id", "dm-agent")

	v.SetDefault("tracker.enabled", false)
	v.SetDefault("tracker.sheet_name", "Leads")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "dmagent")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Platform.AppSecret == "" {
		return fmt.Errorf("platform.app_secret is required")
	}
	if c.Platform.VerifyToken == "" {
		return fmt.Errorf("platform.verify_token is required")
	}
	switch c.RateLimit.Store {
	case "database", "memory":
	case "redis":
		if c.RateLimit.Redis.Addr == "" {
			return fmt.Errorf("rate_limit.redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("rate_limit.store must be database, redis or memory, got %q", c.RateLimit.Store)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be at least 1")
	}
	if c.Events.Enabled && len(c.Events.Kafka.Brokers) == 0 {
		return fmt.Errorf("events.kafka.brokers is required when events are enabled")
	}
	if c.Tracker.Enabled && c.Tracker.SpreadsheetID == "" {
		return fmt.Errorf("tracker.spreadsheet_id is required when the tracker is enabled")
	}
	return nil
}
