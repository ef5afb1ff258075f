package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take precedence
// over values from the config file and use the CODESTAT_ prefix with
// underscores for nesting (e.g. CODESTAT_SERVER_PORT).
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CODESTAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus environment cover it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "postgres://localhost:5432/codestat?sslmode=disable")

	v.SetDefault("storage.data_dir", "./data")

	v.SetDefault("scheduler.check_interval_seconds", 5)
	v.SetDefault("scheduler.max_tasks_in_memory", 1000)
	v.SetDefault("scheduler.task_retention_hours", 24)
	v.SetDefault("scheduler.max_concurrent_polls", 8)

	v.SetDefault("container.worker_image", "codestat-worker:latest")
	v.SetDefault("container.memory_limit", "512m")
	v.SetDefault("container.cpu_quota", 50000)
	v.SetDefault("container.network_name", "codestat-network")

	v.SetDefault("stat.output_format", "json")
	v.SetDefault("stat.use_gitignore", true)
	v.SetDefault("stat.timeout_seconds", 600)
}
