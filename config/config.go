// Package config loads process configuration from the environment and
// the optional per-project file. Backend connection fallbacks
// (POSTGRES_*, REDIS_*, ...) are read by the backend descriptor
// constructor, not here.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env     string `env:"FLOWERPOWER_ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	BaseDir string `env:"FLOWERPOWER_BASE_DIR" envDefault:"." validate:"required"`

	// StorageOptions travel opaquely to the filesystem implementation
	// reading project files; the local filesystem ignores them.
	StorageOptions StorageOptions `env:"FLOWERPOWER_STORAGE_OPTIONS"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	WorkerCount    int `env:"WORKER_COUNT" envDefault:"0" validate:"min=0,max=1024"`
	PollIntervalMS int `env:"POLL_INTERVAL_MS" envDefault:"500" validate:"min=1,max=60000"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090" validate:"required"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel maps LOG_LEVEL onto slog's levels.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PollInterval is the worker poll cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// StorageOptions is the FLOWERPOWER_STORAGE_OPTIONS JSON object.
type StorageOptions map[string]any

func (o *StorageOptions) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*o = nil
		return nil
	}
	if err := json.Unmarshal(text, (*map[string]any)(o)); err != nil {
		return fmt.Errorf("storage options: %w", err)
	}
	return nil
}
