package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Host           string        `envconfig:"HOST" default:"0.0.0.0"`
	Port           int           `envconfig:"PORT" default:"8000"`
	MetricsAddr    string        `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	ReadLimit      int64         `envconfig:"READ_LIMIT" default:"0"`
	FanoutWorkers  int           `envconfig:"FANOUT_WORKERS" default:"16"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`
}

// LoadConfig reads an optional .env file, then the process environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
