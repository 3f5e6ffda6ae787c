package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFactory struct {
	name string
	open func(t *testing.T, dir string) Backend
}

func backendFactories() []backendFactory {
	return []backendFactory{
		{"memory", func(t *testing.T, dir string) Backend { return NewMemory() }},
		{"file", func(t *testing.T, dir string) Backend {
			b, err := NewFile(filepath.Join(dir, "state.json"))
			require.NoError(t, err)
			return b
		}},
		{"sqlite", func(t *testing.T, dir string) Backend {
			b, err := NewSQLite(filepath.Join(dir, "state.db"))
			require.NoError(t, err)
			return b
		}},
		{"badger", func(t *testing.T, dir string) Backend {
			b, err := NewBadger(filepath.Join(dir, "badger"))
			require.NoError(t, err)
			return b
		}},
	}
}

func TestBackendContract(t *testing.T) {
	t.Parallel()

	for _, f := range backendFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			b := f.open(t, t.TempDir())
			t.Cleanup(func() { Close(b) })

			require.NoError(t, b.SetItem("app.pagination.currentPage", []byte(`3`)))
			require.NoError(t, b.SetItem("app.filters.symbol", []byte(`"7203.T"`)))
			require.NoError(t, b.SetItem("other.filters.symbol", []byte(`"6758.T"`)))

			all, err := b.GetAll("app.")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{
				"app.pagination.currentPage": []byte(`3`),
				"app.filters.symbol":         []byte(`"7203.T"`),
			}, all)

			require.NoError(t, b.SetItem("app.pagination.currentPage", []byte(`4`)))
			all, err = b.GetAll("app.pagination.")
			require.NoError(t, err)
			assert.Equal(t, []byte(`4`), all["app.pagination.currentPage"])

			require.NoError(t, b.RemoveItem("app.filters.symbol"))
			require.NoError(t, b.RemoveItem("app.never.set"))

			all, err = b.GetAll("app.")
			require.NoError(t, err)
			assert.Len(t, all, 1)

			all, err = b.GetAll("")
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestBackendsSurviveReopen(t *testing.T) {
	t.Parallel()

	for _, f := range backendFactories() {
		if f.name == "memory" {
			continue
		}
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			b := f.open(t, dir)
			require.NoError(t, b.SetItem("ns.key", []byte(`{"a":1}`)))
			require.NoError(t, Close(b))

			reopened := f.open(t, dir)
			t.Cleanup(func() { Close(reopened) })

			all, err := reopened.GetAll("ns.")
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":1}`, string(all["ns.key"]))
		})
	}
}

func TestSQLitePrefixIsCaseSensitive(t *testing.T) {
	t.Parallel()

	b, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, b.SetItem("App.key", []byte(`1`)))
	require.NoError(t, b.SetItem("app.key", []byte(`2`)))
	require.NoError(t, b.SetItem("app_key", []byte(`3`)))

	all, err := b.GetAll("app.")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"app.key": []byte(`2`)}, all)
}

func TestFileBackend(t *testing.T) {
	t.Parallel()

	t.Run("rejects invalid json", func(t *testing.T) {
		t.Parallel()

		b, err := NewFile(filepath.Join(t.TempDir(), "state.json"))
		require.NoError(t, err)
		assert.Error(t, b.SetItem("k", []byte("{nope")))
	})

	t.Run("fails on corrupt document", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "state.json")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

		_, err := NewFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse state file")
	})

	t.Run("keeps memory consistent when the write fails", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		blocker := filepath.Join(dir, "blocker")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

		// The parent of the document is a regular file, so every flush fails.
		b, err := NewFile(filepath.Join(blocker, "state.json"))
		require.NoError(t, err)

		require.Error(t, b.SetItem("k", []byte(`1`)))
		all, err := b.GetAll("")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("closed backend rejects use", func(t *testing.T) {
		t.Parallel()

		b, err := NewFile(filepath.Join(t.TempDir(), "state.json"))
		require.NoError(t, err)
		require.NoError(t, b.Close())
		assert.ErrorIs(t, b.SetItem("k", []byte(`1`)), ErrClosed)
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	b, err := Open(KindMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	_, err = Open("redis", "")
	assert.Error(t, err)

	b, err = Open(KindFile, filepath.Join(t.TempDir(), "s.json"))
	require.NoError(t, err)
	assert.IsType(t, &File{}, b)
}

func TestBadgerInMemory(t *testing.T) {
	t.Parallel()

	b, err := NewBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, b.SetItem("ns.a", []byte(`true`)))
	all, err := b.GetAll("ns.")
	require.NoError(t, err)
	assert.Equal(t, []byte(`true`), all["ns.a"])
}
