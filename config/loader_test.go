package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Executor.MaxConcurrency)
	assert.Equal(t, "fail_fast", cfg.Executor.DefaultPolicy)
	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 5, cfg.Webhook.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Webhook.BaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.MaxDelay)
	assert.InDelta(t, 0.2, cfg.Webhook.Jitter, 1e-9)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
executor:
  max_concurrency: 32
  default_policy: continue_on_error
breaker:
  threshold: 9
webhook:
  max_attempts: 7
store:
  driver: sqlite
  path: /tmp/test.db
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Executor.MaxConcurrency)
	assert.Equal(t, "continue_on_error", cfg.Executor.DefaultPolicy)
	assert.Equal(t, 9, cfg.Breaker.Threshold)
	assert.Equal(t, 7, cfg.Webhook.MaxAttempts)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Router.MaxAttempts)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("breaker:\n  threshold: 9\n"), 0o600))

	t.Setenv("SKYMESH_BREAKER_THRESHOLD", "11")
	t.Setenv("SKYMESH_BREAKER_COOLDOWN", "90s")
	t.Setenv("SKYMESH_LOG_LEVEL", "debug")
	t.Setenv("SKYMESH_METRICS_ENABLED", "false")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 11, cfg.Breaker.Threshold)
	assert.Equal(t, 90*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Executor.MaxConcurrency)
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	t.Setenv("SKYMESH_EXECUTOR_DEFAULT_POLICY", "sometimes")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_policy")
}

func TestValidate_StoreDriver(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "cassandra"
	require.Error(t, cfg.Validate())
}
