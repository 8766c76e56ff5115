// Package config loads tinylvtd's runtime configuration: an optional TOML
// file for durable operator settings (BurntSushi/toml, matching the
// teacher's file-based Load), or environment variables for per-deployment
// secrets and knobs (the shape of services/otc-gateway/config.FromEnv).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is tinylvtd's full runtime configuration.
type Config struct {
	ListenAddress   string `toml:"ListenAddress"`
	MetricsAddress  string `toml:"MetricsAddress"`
	DatabaseURL     string `toml:"DatabaseURL"`
	Environment     string `toml:"Environment"`
	SchedulerTickMS int64  `toml:"SchedulerTickMilliseconds"`
	DefaultCurrency string `toml:"DefaultCurrencyMode"`
	AlertWebhookURL string `toml:"AlertWebhookURL"`
}

// SchedulerTick is the scheduler's tick cadence as a time.Duration.
func (c *Config) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickMS) * time.Millisecond
}

// FromFile loads a TOML configuration file. Unlike the teacher's Load, a
// missing file is an error rather than a bootstrap opportunity: tinylvtd
// has no generated secret material to seed on first run.
func FromFile(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads configuration entirely from environment variables, for
// container deployments that don't mount a TOML file.
func FromEnv() (*Config, error) {
	dbURL := os.Getenv("TINYLVT_DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("TINYLVT_DATABASE_URL is required")
	}

	cfg := &Config{
		ListenAddress:   getEnvDefault("TINYLVT_LISTEN_ADDRESS", ":8080"),
		MetricsAddress:  getEnvDefault("TINYLVT_METRICS_ADDRESS", ":9090"),
		DatabaseURL:     dbURL,
		Environment:     getEnvDefault("TINYLVT_ENV", "production"),
		SchedulerTickMS: int64(parseIntEnv("TINYLVT_SCHEDULER_TICK_MS", 1000)),
		DefaultCurrency: getEnvDefault("TINYLVT_DEFAULT_CURRENCY_MODE", "points_allocation"),
		AlertWebhookURL: os.Getenv("TINYLVT_ALERT_WEBHOOK_URL"),
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = ":9090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}
	if cfg.SchedulerTickMS <= 0 {
		cfg.SchedulerTickMS = 1000
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "points_allocation"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("config: DatabaseURL is required")
	}
	switch cfg.DefaultCurrency {
	case "points_allocation", "distributed_clearing", "deferred_payment", "prepaid_credits":
	default:
		return fmt.Errorf("config: invalid DefaultCurrencyMode %q", cfg.DefaultCurrency)
	}
	return nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}
