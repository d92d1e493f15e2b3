package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REMEDYD_SCANNER_COMMAND", "/usr/local/bin/scanner")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Saga.DefaultTimeout)
	assert.Equal(t, 10, cfg.RateLimit.Limit)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Period)
	assert.Equal(t, "/var/lib/remedyd/ledger", cfg.Ledger.Path)
	assert.True(t, cfg.Ledger.SyncWrites)
	assert.Equal(t, "security-fixes", cfg.Similarity.Collection)
	assert.Equal(t, 5, cfg.Similarity.TopK)
	assert.Equal(t, "0 0 * * *", cfg.Scheduler.Schedule)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9191
scanner:
  command: /opt/scanner/run
  timeout: 5m
ratelimit:
  limit: 3
  period: 30s
ledger:
  in_memory: true
scheduler:
  enabled: true
  org: acme
  schedule: "0 2 * * *"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "/opt/scanner/run", cfg.Scanner.Command)
	assert.Equal(t, 5*time.Minute, cfg.Scanner.Timeout)
	assert.Equal(t, 3, cfg.RateLimit.Limit)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Period)
	assert.True(t, cfg.Ledger.InMemory)
	assert.Equal(t, "acme", cfg.Scheduler.Org)
	assert.Equal(t, "0 2 * * *", cfg.Scheduler.Schedule)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9191
scanner:
  command: /opt/scanner/run
`)
	t.Setenv("REMEDYD_SERVER_PORT", "7777")
	t.Setenv("REMEDYD_GITHUB_TOKEN", "ghp_secret")
	t.Setenv("REMEDYD_LLM_API_KEY", "sk-secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "ghp_secret", cfg.GitHub.Token.Value())
	assert.Equal(t, "sk-secret", cfg.LLM.APIKey.Value())
}

func TestLoadMissingFileIsSkipped(t *testing.T) {
	t.Setenv("REMEDYD_SCANNER_COMMAND", "/usr/local/bin/scanner")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadRejectsWorldReadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadValidatesSections(t *testing.T) {
	path := writeConfigFile(t, `
scanner:
  command: /opt/scanner/run
scheduler:
  enabled: true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler")
}

func TestLoadRequiresScannerCommand(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanner")
}
