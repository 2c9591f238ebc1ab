package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.DriverTimeout)
	assert.True(t, cfg.Orchestrator.StopOnIdle)
	assert.Equal(t, 300, cfg.Orchestrator.DefaultTimeoutSeconds)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Supervisor.GracePeriod)
	assert.Equal(t, int64(512*1024*1024), cfg.Docker.MemoryLimit)
	assert.InDelta(t, 0.5, cfg.Docker.CPULimit, 0.0001)
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
server:
  port: 9000
database:
  driver: postgres
  dsn: postgres://u:p@localhost/sessions
supervisor:
  interval: 5s
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o644))
	t.Setenv("SESSION_IMAGE", "ghcr.io/acme/agent-host:1.2")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://u:p@localhost/sessions", cfg.Database.DSN)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.Interval)
	assert.Equal(t, "ghcr.io/acme/agent-host:1.2", cfg.Docker.Image)
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "too-short")
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, ErrWeakSecret)
}
