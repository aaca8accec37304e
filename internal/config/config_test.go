package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "Asia/Kolkata", cfg.Market.Timezone)
	assert.Equal(t, "09:15", cfg.Market.Open)
	assert.Equal(t, "15:30", cfg.Market.Close)
	assert.Equal(t, 3000, cfg.Broker.MaxTokensPerConn)
	assert.Equal(t, 3, cfg.Broker.MaxConnsPerAccount)
	assert.Equal(t, 100*time.Millisecond, cfg.Publish.BatchWindow)
	assert.Equal(t, 5, cfg.Executor.MaxAttempts)
	assert.Equal(t, 50, cfg.Market.IVMaxIterations)
	assert.Equal(t, 1e-6, cfg.Market.IVTolerance)
	assert.True(t, cfg.HTTP.APIKeyEnabled)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
http:
  port: 9090
  api_key: secret
broker:
  max_tokens_per_connection: 500
market:
  iv_max_iterations: 80
accounts:
  - id: acct1
    api_key: k1
    access_token: t1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 500, cfg.Broker.MaxTokensPerConn)
	assert.Equal(t, 80, cfg.Market.IVMaxIterations)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Broker.MaxConnsPerAccount)
	assert.Equal(t, 1e-6, cfg.Market.IVTolerance)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Bus.URL)
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "acct1", cfg.Accounts[0].ID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
http:
  api_key: from-file
`)
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("GATEWAY_API_KEY", "from-env")
	t.Setenv("HTTP_PORT", "7070")
	t.Setenv("ENABLE_MOCK_DATA", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "from-env", cfg.HTTP.APIKey)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.True(t, cfg.Stream.EnableMockData)
}

func TestValidateRejectsMissingAPIKey(t *testing.T) {
	cfg := Default()
	cfg.HTTP.APIKeyEnabled = true
	cfg.HTTP.APIKey = ""
	assert.ErrorContains(t, cfg.Validate(), "api_key is required")

	cfg.HTTP.APIKeyEnabled = false
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadCapacity(t *testing.T) {
	cfg := Default()
	cfg.HTTP.APIKeyEnabled = false

	cfg.Broker.MaxTokensPerConn = 0
	assert.ErrorContains(t, cfg.Validate(), "max_tokens_per_connection")

	cfg = Default()
	cfg.HTTP.APIKeyEnabled = false
	cfg.Broker.MaxConnsPerAccount = -1
	assert.ErrorContains(t, cfg.Validate(), "max_connections_per_account")

	cfg = Default()
	cfg.HTTP.APIKeyEnabled = false
	cfg.Publish.BatchMaxSize = 0
	assert.ErrorContains(t, cfg.Validate(), "batch_max_size")

	cfg = Default()
	cfg.HTTP.APIKeyEnabled = false
	cfg.Executor.MaxAttempts = 0
	assert.ErrorContains(t, cfg.Validate(), "executor_max_attempts")

	cfg = Default()
	cfg.HTTP.APIKeyEnabled = false
	cfg.Market.IVMaxIterations = 0
	assert.ErrorContains(t, cfg.Validate(), "iv_max_iterations")

	cfg = Default()
	cfg.HTTP.APIKeyEnabled = false
	cfg.Market.IVTolerance = -1
	assert.ErrorContains(t, cfg.Validate(), "iv_tolerance")
}

func TestValidateRejectsDuplicateAccounts(t *testing.T) {
	cfg := Default()
	cfg.HTTP.APIKeyEnabled = false
	cfg.Accounts = []Account{
		{ID: "acct1", APIKey: "k", AccessToken: "t"},
		{ID: "acct1", APIKey: "k", AccessToken: "t"},
	}
	assert.ErrorContains(t, cfg.Validate(), "duplicate account id")

	cfg.Accounts = []Account{{ID: "", APIKey: "k", AccessToken: "t"}}
	assert.ErrorContains(t, cfg.Validate(), "account id must not be empty")
}
