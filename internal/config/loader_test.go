package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	cfgDir := filepath.Join(dir, Dir)
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(content), 0o644))
}

func writeEnv(t *testing.T, dir, content string) {
	t.Helper()
	cfgDir := filepath.Join(dir, Dir)
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, ".env"), []byte(content), 0o644))
}

func TestLoadConfig_Default(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()

	cfg, err := LoadConfig(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.Server.BaseURL)
	assert.Equal(t, PushNone, cfg.Server.Push)
	assert.Equal(t, DefaultMaxUnits, cfg.Jobs.MaxUnits)
	assert.Equal(t, DefaultPollInterval, cfg.Jobs.PollInterval)
	assert.Equal(t, DefaultMaxPollErrors, cfg.Jobs.MaxPollErrors)
	assert.Equal(t, DefaultNamespace, cfg.Store.Namespace)
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Equal(t, filepath.Join(tmpDir, Dir, "state.json"), cfg.Store.Path)
}

func TestLoadConfig_ValidFile(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, `server:
  base_url: http://fetcher.internal:8080
  push: websocket
  requests_per_second: 2
  burst: 1
jobs:
  max_units: 500
  poll_interval: 2s
  max_poll_errors: 3
store:
  namespace: bulk-ui
  backend: sqlite
  path: /var/lib/bulkwatch/state.db
sequential:
  symbol_limit: 100
  market: Prime
  phases:
    - name: daily
      interval: 1d
      period: max
log_level: debug
`)

	cfg, err := LoadConfig(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "http://fetcher.internal:8080", cfg.Server.BaseURL)
	assert.Equal(t, PushWebSocket, cfg.Server.Push)
	assert.Equal(t, 2.0, cfg.Server.RequestsPerSecond)
	assert.Equal(t, 500, cfg.Jobs.MaxUnits)
	assert.Equal(t, 2*time.Second, cfg.Jobs.PollInterval)
	assert.Equal(t, 3, cfg.Jobs.MaxPollErrors)
	assert.Equal(t, "bulk-ui", cfg.Store.Namespace)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/bulkwatch/state.db", cfg.Store.Path)
	assert.Equal(t, 100, cfg.Sequential.SymbolLimit)
	assert.Equal(t, "Prime", cfg.Sequential.Market)
	require.Len(t, cfg.Sequential.Phases, 1)
	assert.Equal(t, Phase{Name: "daily", Interval: "1d", Period: "max"}, cfg.Sequential.Phases[0])
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_PartialFile(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, `jobs:
  max_units: 200
`)

	cfg, err := LoadConfig(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.Jobs.MaxUnits)
	assert.Equal(t, DefaultPollInterval, cfg.Jobs.PollInterval)
	assert.Equal(t, DefaultBaseURL, cfg.Server.BaseURL)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "jobs: [unterminated")

	_, err := LoadConfig(tmpDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"relative base url", "server:\n  base_url: localhost\n", "server.base_url"},
		{"unknown push", "server:\n  push: carrier-pigeon\n", "server.push"},
		{"zero rate", "server:\n  requests_per_second: 0\n", "server.requests_per_second"},
		{"zero max units", "jobs:\n  max_units: 0\n", "jobs.max_units"},
		{"negative poll interval", "jobs:\n  poll_interval: -1s\n", "jobs.poll_interval"},
		{"zero poll errors", "jobs:\n  max_poll_errors: 0\n", "jobs.max_poll_errors"},
		{"empty namespace", "store:\n  namespace: \"\"\n", "store.namespace"},
		{"unknown backend", "store:\n  backend: redis\n", "store.backend"},
		{"badger without path", "store:\n  backend: badger\n  path: \"\"\n", "store.path"},
		{"incomplete phase", "sequential:\n  phases:\n    - name: x\n      interval: 1d\n", "sequential.phases[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tmpDir := t.TempDir()
			writeConfig(t, tmpDir, tt.content)

			_, err := LoadConfig(tmpDir)
			require.Error(t, err)
			require.True(t, IsValidationError(err), "expected ValidationError, got %v", err)

			var ve ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidateConfig_MemoryBackendNeedsNoPath(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Store.Backend = BackendMemory
	cfg.Store.Path = ""
	assert.NoError(t, ValidateConfig(&cfg))
}

func TestLoadEnvFile_Valid(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeEnv(t, tmpDir, `# credentials
API_KEY=secret-123

QUOTED="value with spaces"
SINGLE='single'
WITH_EQUALS=a=b
`)

	env, err := LoadEnvFile(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "secret-123", env["API_KEY"])
	assert.Equal(t, "value with spaces", env["QUOTED"])
	assert.Equal(t, "single", env["SINGLE"])
	assert.Equal(t, "a=b", env["WITH_EQUALS"])
	assert.Len(t, env, 4)
}

func TestLoadEnvFile_NotFound(t *testing.T) {
	t.Parallel()

	env, err := LoadEnvFile(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, env)
}

func TestLoadEnvFile_InvalidFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"missing equals", "API_KEY\n", "missing '='"},
		{"empty key", "=value\n", "empty key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tmpDir := t.TempDir()
			writeEnv(t, tmpDir, tt.content)

			_, err := LoadEnvFile(tmpDir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestAPIKey(t *testing.T) {
	t.Setenv("API_KEY", "")
	assert.Equal(t, "from-file", APIKey(map[string]string{"API_KEY": "from-file"}))

	t.Setenv("API_KEY", "from-env")
	assert.Equal(t, "from-env", APIKey(map[string]string{"API_KEY": "from-file"}))
}

func TestValidationError_Error(t *testing.T) {
	t.Parallel()

	err := ValidationError{Field: "jobs.max_units", Message: "must be positive"}
	assert.Equal(t, "validation error: jobs.max_units: must be positive", err.Error())
}

func TestIsValidationError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsValidationError(ValidationError{Field: "f", Message: "m"}))
	assert.False(t, IsValidationError(os.ErrNotExist))
	assert.False(t, IsValidationError(nil))
}
