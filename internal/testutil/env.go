package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thruflo/bulkwatch/internal/config"
	"github.com/thruflo/bulkwatch/internal/logging"
	"github.com/thruflo/bulkwatch/internal/state"
	"github.com/thruflo/bulkwatch/internal/storage"
)

// SetupTestDir creates a temporary directory containing .bulkwatch with the
// given config.yaml content (SampleConfigYAML when empty) and an .env file
// holding API_KEY=test-key. Returns the directory path.
func SetupTestDir(t *testing.T, configYAML string) string {
	t.Helper()

	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, config.Dir)
	require.NoError(t, os.MkdirAll(dir, 0755))

	if configYAML == "" {
		configYAML = SampleConfigYAML
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("API_KEY=test-key\n"), 0600))

	return tmpDir
}

// NewMemoryStore returns a state.Store over an in-memory backend with a
// silent logger. The backend is returned so tests can reopen the store.
func NewMemoryStore(t *testing.T, namespace string) (*state.Store, *storage.Memory) {
	t.Helper()

	backend := storage.NewMemory()
	store, err := state.NewStore(backend, state.WithNamespace(namespace), state.WithLogger(logging.Discard()))
	require.NoError(t, err)
	return store, backend
}

// MustMarshalJSON marshals a value to JSON, failing the test on error.
// Uses indented format for readability.
func MustMarshalJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	return data
}

// MustUnmarshalJSON unmarshals JSON data into v, failing the test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v))
}

// WriteTestFile writes content to a file in the test directory.
// Creates parent directories as needed.
func WriteTestFile(t *testing.T, basePath, relativePath string, content []byte) {
	t.Helper()
	fullPath := filepath.Join(basePath, relativePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0755))
	require.NoError(t, os.WriteFile(fullPath, content, 0644))
}
