package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and optionally a
// config file. Environment variables take precedence over values from config
// files. Returns a populated Config struct or an error if loading or
// validation fails.
func Load() (*Config, error) {
	v := viper.New()

	// Defaults keep local development working without a config file.
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.db", 0)
	v.SetDefault("task.worker_count", 4)
	v.SetDefault("task.queue_size", 200)
	v.SetDefault("task.stale_task_age", "10m")
	v.SetDefault("task.sweep_interval", "1m")
	v.SetDefault("sse.heartbeat_interval", "15s")
	v.SetDefault("sse.replay_limit", 5000)
	v.SetDefault("sse.snapshot_limit", 500)

	// Optional config file in the working directory.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables: STORYLOOM_SERVER_PORT, STORYLOOM_DATABASE_URL, ...
	v.SetEnvPrefix("STORYLOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults must be bound explicitly for Unmarshal to see
	// their environment values.
	for _, key := range []string{"database.url", "redis.addr", "redis.password", "auth.jwt_secret"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks the loaded configuration against the struct tags and
// returns a readable error listing every failed field.
func validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("config validation setup failed: %w", err)
		}

		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			fields := make([]string, 0, len(errs))
			for _, fieldErr := range errs {
				fields = append(fields, fmt.Sprintf(
					"%s (rule: %s)",
					fieldErr.Namespace(),
					fieldErr.Tag(),
				))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}

		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
