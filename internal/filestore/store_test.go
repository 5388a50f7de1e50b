package filestore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"shotline/internal/config"
	"shotline/internal/filestore"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.ma")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLocalRoundTrip(t *testing.T) {
	store, err := filestore.NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	const objPath = "sw/SH01/anim/work/v001.ma"
	ok, err := store.Exists(ctx, objPath)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Save(ctx, objPath, writeTemp(t, "scene v1")))
	ok, err = store.Exists(ctx, objPath)
	require.NoError(t, err)
	require.True(t, ok)

	dst := filepath.Join(t.TempDir(), "out", "fetched.ma")
	require.NoError(t, store.Fetch(ctx, objPath, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "scene v1", string(data))
}

func TestLocalSaveReplacesContent(t *testing.T) {
	store, err := filestore.NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "sw/SH01/v001.ma", writeTemp(t, "first")))
	require.NoError(t, store.Save(ctx, "sw/SH01/v001.ma", writeTemp(t, "second")))

	dst := filepath.Join(t.TempDir(), "fetched.ma")
	require.NoError(t, store.Fetch(ctx, "sw/SH01/v001.ma", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))
}

func TestLocalRejectsEscapingPaths(t *testing.T) {
	root := t.TempDir()
	store, err := filestore.NewLocal(root)
	require.NoError(t, err)
	ctx := context.Background()
	src := writeTemp(t, "x")

	for _, path := range []string{"../escape.ma", "..", ".", "/etc/passwd", "a/../../escape.ma"} {
		require.Error(t, store.Save(ctx, path, src), "path %q", path)
		_, err := store.Exists(ctx, path)
		require.Error(t, err, "path %q", path)
	}

	// nothing may appear outside the root
	entries, err := os.ReadDir(filepath.Dir(root))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, "escape.ma", e.Name())
	}
}

func TestLocalFetchMissingObject(t *testing.T) {
	store, err := filestore.NewLocal(t.TempDir())
	require.NoError(t, err)
	err = store.Fetch(context.Background(), "sw/never/saved.ma", filepath.Join(t.TempDir(), "dst"))
	require.Error(t, err)
}

func TestFromConfigAnchorsRelativeDir(t *testing.T) {
	ws := t.TempDir()
	cfg := config.Default()
	store, err := filestore.FromConfig(context.Background(), cfg, ws)
	require.NoError(t, err)

	local, ok := store.(*filestore.Local)
	require.True(t, ok)
	require.Equal(t, filepath.Join(ws, ".shotline", "files"), local.Root)

	// an absolute dir is used as given
	abs := t.TempDir()
	cfg.FileStore.LocalDir = abs
	store, err = filestore.FromConfig(context.Background(), cfg, ws)
	require.NoError(t, err)
	require.Equal(t, abs, store.(*filestore.Local).Root)
}

func TestFromConfigRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.FileStore.Backend = "tape"
	_, err := filestore.FromConfig(context.Background(), cfg, t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "tape")
}
