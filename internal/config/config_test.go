package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "repopulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "repopulse.db", cfg.DBPath)
	assert.Equal(t, 20, cfg.PoolSize)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "", cfg.WebhookSecret())
	assert.Equal(t, 72, cfg.ActivityWindowHours())
	assert.Equal(t, 15*time.Second, cfg.LMTimeout)
	assert.Equal(t, 1, cfg.LMMaxRetries)
	assert.Equal(t, 1500*time.Millisecond, cfg.LMRetryDelay)
	assert.Equal(t, 10, cfg.LMRateMax)
	assert.Equal(t, time.Minute, cfg.LMRateWindow)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
db:
  path: /tmp/test.db
  pool_size: 5
server:
  listen: ":9090"
webhook:
  secret: hunter2
activity_window_hours: 48
lm:
  api_key: sk-test
  model: custom-model
  timeout: 5s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, 5, cfg.PoolSize)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "hunter2", cfg.WebhookSecret())
	assert.Equal(t, 48, cfg.ActivityWindowHours())
	assert.Equal(t, "sk-test", cfg.LMAPIKey)
	assert.Equal(t, "custom-model", cfg.LMModel)
	assert.Equal(t, 5*time.Second, cfg.LMTimeout)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("REPOPULSE_WEBHOOK_SECRET", "from-env")
	t.Setenv("REPOPULSE_DB_POOL_SIZE", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.WebhookSecret())
	assert.Equal(t, 3, cfg.PoolSize)
}

func TestReloadRotatesSecret(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "webhook:\n  secret: first\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "first", cfg.WebhookSecret())

	writeConfig(t, dir, "webhook:\n  secret: second\nactivity_window_hours: 24\n")
	cfg.reload()

	assert.Equal(t, "second", cfg.WebhookSecret())
	assert.Equal(t, 24, cfg.ActivityWindowHours())
}
