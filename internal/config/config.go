package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"    validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"     validate:"required"`
	Task     TaskConfig     `mapstructure:"task"     validate:"required"`
	SSE      SSEConfig      `mapstructure:"sse"      validate:"required"`
}

// ServerConfig contains all HTTP-server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// RedisConfig contains the broker connection settings used by the pub/sub
// fan-out.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// AuthConfig contains authentication settings. The core only verifies tokens
// issued elsewhere; it never mints them.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
}

// TaskConfig contains background task runner settings.
type TaskConfig struct {
	WorkerCount   int           `mapstructure:"worker_count"   validate:"required,gt=0"`
	QueueSize     int           `mapstructure:"queue_size"     validate:"required,gt=0"`
	StaleTaskAge  time.Duration `mapstructure:"stale_task_age" validate:"required"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required"`
}

// SSEConfig contains the event stream delivery settings.
type SSEConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required"`
	ReplayLimit       int           `mapstructure:"replay_limit"       validate:"required,gt=0"`
	SnapshotLimit     int           `mapstructure:"snapshot_limit"     validate:"required,gt=0"`
}
