package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalStorageBackend(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name    string
		config  *LocalConfig
		wantErr bool
	}{
		{name: "valid config", config: &LocalConfig{BasePath: tempDir, Permissions: 0750}},
		{name: "default permissions", config: &LocalConfig{BasePath: filepath.Join(tempDir, "nested")}},
		{name: "nil config", config: nil, wantErr: true},
		{name: "empty base path", config: &LocalConfig{BasePath: ""}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := NewLocalStorageBackend(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "local", backend.Name())
			assert.DirExists(t, backend.BasePath())
		})
	}
}

func TestLocalStorageBackend_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLocalStorageBackend(&LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	key := "tenant-1/2026/10/bkp_abc.json.gz"
	locator, err := backend.Put(ctx, key, []byte("artifact"))
	require.NoError(t, err)
	assert.Equal(t, "file://"+key, locator)

	info, err := os.Stat(filepath.Join(backend.BasePath(), filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())

	data, err := backend.Get(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact"), data)

	// a bare key resolves to the same artifact
	data, err = backend.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact"), data)

	require.NoError(t, backend.Delete(ctx, locator))
	assert.NoDirExists(t, filepath.Join(backend.BasePath(), "tenant-1"))

	_, err = backend.Get(ctx, locator)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(backend.Delete(ctx, locator), ErrNotFound))
}

func TestLocalStorageBackend_Overwrite(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLocalStorageBackend(&LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	_, err = backend.Put(ctx, "t/a.json", []byte("first"))
	require.NoError(t, err)
	locator, err := backend.Put(ctx, "t/a.json", []byte("second"))
	require.NoError(t, err)

	data, err := backend.Get(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	entries, err := os.ReadDir(filepath.Join(backend.BasePath(), "t"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary upload files must not be left behind")
}

func TestLocalStorageBackend_KeysStayInsideBasePath(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	base := filepath.Join(root, "store")
	backend, err := NewLocalStorageBackend(&LocalConfig{BasePath: base})
	require.NoError(t, err)

	_, err = backend.Put(ctx, "../../escape.json", []byte("x"))
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(root, "escape.json"))
	assert.FileExists(t, filepath.Join(base, "escape.json"))

	_, err = backend.Put(ctx, "", []byte("x"))
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = backend.Put(ctx, "..", []byte("x"))
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestLocalStorageBackend_ForeignLocator(t *testing.T) {
	backend, err := NewLocalStorageBackend(&LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	_, err = backend.Get(context.Background(), "s3://tenant/a.json")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestLocalStorageBackend_CancelledContext(t *testing.T) {
	backend, err := NewLocalStorageBackend(&LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = backend.Put(ctx, "t/a.json", []byte("x"))
	assert.Error(t, err)
}

func TestLocalStorageBackend_HealthCheck(t *testing.T) {
	backend, err := NewLocalStorageBackend(&LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	assert.NoError(t, backend.HealthCheck(context.Background()))
	assert.NoFileExists(t, filepath.Join(backend.BasePath(), ".health_check"))
}

func TestLocatorHelpers(t *testing.T) {
	key, err := parseLocator(schemeS3, "s3://a/b.json")
	require.NoError(t, err)
	assert.Equal(t, "a/b.json", key)

	key, err = parseLocator(schemeS3, "/a/b.json")
	require.NoError(t, err)
	assert.Equal(t, "a/b.json", key)

	_, err = parseLocator(schemeS3, "")
	assert.Error(t, err)

	assert.Equal(t, "a/b.json", KeyFromLocator("gcs://a/b.json"))
	assert.Equal(t, "a/b.json", KeyFromLocator("a/b.json"))

	assert.Equal(t, "key", joinKey("", "key"))
	assert.Equal(t, "backups/key", joinKey("/backups/", "key"))
}
