package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
storage:
  database_path: /tmp/test.db
jobs:
  concurrency: 5
  poll_seconds: 10
matching:
  auto_threshold: 0.9
  batch_size: 50
observability:
  logging:
    level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Storage.DatabasePath)
	assert.Equal(t, 5, cfg.Jobs.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Jobs.PollInterval())
	assert.Equal(t, 0.9, cfg.Matching.AutoThreshold)
	assert.Equal(t, 50, cfg.Matching.BatchSize)
	assert.Equal(t, "debug", cfg.Observability.Logging.Level)
}

func TestLoad_EnvExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	t.Setenv("TEST_DB_PATH", "/data/prod.db")
	yaml := "storage:\n  database_path: ${TEST_DB_PATH}\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/prod.db", cfg.Storage.DatabasePath)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 3000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Jobs.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Jobs.PollInterval())
	assert.Equal(t, 0.85, cfg.Matching.AutoThreshold)
	assert.Equal(t, 0.5, cfg.Matching.SuggestThreshold)
	assert.Equal(t, 7, cfg.Matching.DateWindowDays)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("EXPENSE_DB_PATH", "env.db")
	t.Setenv("JOB_CONCURRENCY", "2")

	cfg := LoadFromEnv()

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "env.db", cfg.Storage.DatabasePath)
	assert.Equal(t, 2, cfg.Jobs.Concurrency)
}

func TestLoadOrEnvWithPath_FallsBack(t *testing.T) {
	cfg := LoadOrEnvWithPath(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NotNil(t, cfg)
	assert.Equal(t, "expense_match.db", cfg.Storage.DatabasePath)
}
