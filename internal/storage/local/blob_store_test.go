// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webability/scrapegate/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
		require.NoError(t, store.Close())
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("CreatesBaseDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "reports", "nested")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "blob")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	t.Run("NestedPath", func(t *testing.T) {
		key := "reports/job-1/abc123.json"
		data := []byte(`{"score":95}`)
		uri, err := store.PutObject(context.Background(), key, "application/json", data)
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, key), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, key))
		require.NoError(t, err)
		assert.Equal(t, data, readData)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), " ", "application/json", []byte("{}"))
		assert.Error(t, err)
	})

	t.Run("TraversalStaysInsideBaseDir", func(t *testing.T) {
		uri, err := store.PutObject(context.Background(), "../../escape.json", "application/json", []byte("{}"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, "escape.json"), uri)
		_, err = os.Stat(filepath.Join(tempDir, "escape.json"))
		require.NoError(t, err)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := store.PutObject(ctx, "late.json", "application/json", []byte("{}"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}
