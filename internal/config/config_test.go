package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	base "mailfollowup/pkg/config"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadMergesLayersAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
storage:
  driver: postgres
jwt:
  secret: base-secret
scheduler:
  interval: 30s
  overdue_after: 12h
followup:
  auto_track: true
circuit_breaker:
  failure_threshold: 3
`)
	writeFile(t, dir, "test.yaml", `
storage:
  driver: memory
ai:
  provider: template
`)
	t.Setenv("CONFIG_DIR", dir)
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("JWT_SECRET", "env-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, "env-secret", cfg.JWT.Secret)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 12*time.Hour, cfg.Scheduler.OverdueAfter)
	assert.True(t, cfg.Followup.AutoTrack)
	assert.Equal(t, 3, cfg.Followup.DefaultFollowUpDays)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "template", cfg.AI.Provider)
	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestValidate(t *testing.T) {
	cfg := &Config{JWT: base.JWTConfig{Secret: "x"}}
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())

	cfg.Storage.Driver = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg.Storage.Driver = StorageMemory
	cfg.Timezone = "Mars/Olympus"
	assert.Error(t, cfg.Validate())

	cfg.Timezone = "UTC"
	cfg.JWT.Secret = ""
	assert.Error(t, cfg.Validate())
}
