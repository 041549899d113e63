package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 1440*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 60*time.Second, cfg.GrantCooldown)
	assert.Equal(t, 300*time.Second, cfg.GrantWindow)
	assert.Equal(t, time.Second, cfg.OutboxTick)
	assert.Equal(t, 100, cfg.OutboxBatch)
	assert.Equal(t, "development", cfg.Env)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9191")
	t.Setenv("SESSION_TTL", "24h")
	t.Setenv("GRANT_COOLDOWN", "5s")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9191", cfg.HTTPAddr)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 5*time.Second, cfg.GrantCooldown)
	assert.Equal(t, "production", cfg.Env)
}

func TestValidateRejectsBadDurations(t *testing.T) {
	t.Setenv("GRANT_COOLDOWN", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GRANT_COOLDOWN")
}
