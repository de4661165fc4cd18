package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booth-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing dir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "raw", "pages")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("requires base dir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("rejects a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "not-a-dir")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "job-1/0a1b.md", "text/markdown", strings.NewReader("# Mauerpark"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "job-1", "0a1b.md"), uri)

	// #nosec G304 -- reads from the test temp dir.
	data, err := os.ReadFile(filepath.Join(dir, "job-1", "0a1b.md"))
	require.NoError(t, err)
	require.Equal(t, "# Mauerpark", string(data))

	_, err = store.PutObject(ctx, "job-1/0a1b.md", "", strings.NewReader("# rewritten"))
	require.NoError(t, err)

	_, err = store.PutObject(ctx, "", "", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(ctx, "../escape.md", "", strings.NewReader("x"))
	require.Error(t, err)
}
