package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Task      TaskConfig      `mapstructure:"task" validate:"required"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	NATS      NATSConfig      `mapstructure:"nats"`
	LLM       LLMConfig       `mapstructure:"llm"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	// Driver is the database/sql driver name: "pgx" for Postgres or "sqlite3".
	Driver          string        `mapstructure:"driver" validate:"required,oneof=pgx sqlite3"`
	URL             string        `mapstructure:"url" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret" validate:"required_if=Enabled true,omitempty,min=32"`
	// AdminOwners may use the admin routes without an admin claim in their token.
	AdminOwners []string `mapstructure:"admin_owners" validate:"dive,required"`
}

// TaskConfig controls the task manager worker pool and its background loops.
type TaskConfig struct {
	WorkerCount          int           `mapstructure:"worker_count" validate:"required,gt=0"`
	QueueSize            int           `mapstructure:"queue_size" validate:"required,gt=0"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
	CleanupRetryInterval time.Duration `mapstructure:"cleanup_retry_interval" validate:"gt=0"`
	RetentionDays        int           `mapstructure:"retention_days" validate:"gt=0"`
	StuckTaskAge         time.Duration `mapstructure:"stuck_task_age" validate:"gt=0"`
	StuckCheckInterval   time.Duration `mapstructure:"stuck_check_interval" validate:"gt=0"`
}

// RetryProfileConfig overrides one named retry profile. Zero fields keep the preset value.
type RetryProfileConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gte=0"`
	BaseDelay    time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay     time.Duration `mapstructure:"max_delay" validate:"gte=0"`
	MaxTotalTime time.Duration `mapstructure:"max_total_time" validate:"gte=0"`
}

// RetryConfig holds retry profile overrides keyed by profile name.
type RetryConfig struct {
	Profiles map[string]RetryProfileConfig `mapstructure:"profiles" validate:"dive"`
}

// BreakerConfig holds the defaults applied to circuit breakers created on demand.
type BreakerConfig struct {
	FailureThreshold     int           `mapstructure:"failure_threshold" validate:"gt=0"`
	MaxFailuresPerMinute int           `mapstructure:"max_failures_per_minute" validate:"gt=0"`
	RecoveryTimeout      time.Duration `mapstructure:"recovery_timeout" validate:"gt=0"`
	SuccessThreshold     int           `mapstructure:"success_threshold" validate:"gt=0"`
	CallTimeout          time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
}

// SchedulerConfig controls the cron runtime and the dashboard reconciler.
type SchedulerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	CheckInterval    time.Duration `mapstructure:"check_interval" validate:"gt=0"`
	StaleAfter       time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	SnapshotCacheTTL time.Duration `mapstructure:"snapshot_cache_ttl" validate:"gte=0"`
	// CachePath is the goleveldb directory for cached snapshots. Empty disables caching.
	CachePath string `mapstructure:"cache_path"`
}

// NATSConfig configures publishing of task lifecycle events.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url" validate:"required_if=Enabled true"`
	SubjectPrefix string `mapstructure:"subject_prefix" validate:"required"`
}

// LLMConfig contains all LLM integration related settings.
// Generation task types are only registered when GeminiAPIKey is set.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	ModelName    string `mapstructure:"model_name" validate:"required"`
}
