// Package config loads app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN; empty runs the API on the in-memory store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// SessionTTL is the session lifetime from creation (e.g. "1440h" for 60 days).
	SessionTTL time.Duration `mapstructure:"SESSION_TTL"`
	// GrantCooldown is the mandatory wait between requesting and confirming a
	// platform-owner grant.
	GrantCooldown time.Duration `mapstructure:"GRANT_COOLDOWN"`
	// GrantWindow is how long after the cooldown a pending grant stays confirmable.
	GrantWindow time.Duration `mapstructure:"GRANT_WINDOW"`
	// OutboxTick is the audit outbox dispatch interval.
	OutboxTick time.Duration `mapstructure:"OUTBOX_TICK"`
	// OutboxBatch is the max audit events moved per dispatch cycle.
	OutboxBatch int `mapstructure:"OUTBOX_BATCH"`
	// RateBurst and RatePerSecond tune the per-IP token bucket on admin routes.
	RateBurst     int `mapstructure:"RATE_BURST"`
	RatePerSecond int `mapstructure:"RATE_PER_SECOND"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SESSION_TTL", "1440h")
	v.SetDefault("GRANT_COOLDOWN", "60s")
	v.SetDefault("GRANT_WINDOW", "300s")
	v.SetDefault("OUTBOX_TICK", "1s")
	v.SetDefault("OUTBOX_BATCH", 100)
	v.SetDefault("RATE_BURST", 20)
	v.SetDefault("RATE_PER_SECOND", 10)
	v.SetDefault("APP_ENV", "development")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: HTTP_ADDR is required")
	}
	if c.SessionTTL <= 0 {
		return errors.New("config: SESSION_TTL must be positive")
	}
	if c.GrantCooldown <= 0 {
		return errors.New("config: GRANT_COOLDOWN must be positive")
	}
	if c.GrantWindow <= 0 {
		return errors.New("config: GRANT_WINDOW must be positive")
	}
	if c.OutboxTick <= 0 {
		return errors.New("config: OUTBOX_TICK must be positive")
	}
	if c.OutboxBatch <= 0 {
		return errors.New("config: OUTBOX_BATCH must be positive")
	}
	return nil
}
