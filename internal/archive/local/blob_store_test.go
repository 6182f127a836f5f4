package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectWritesFileAndReturnsURI(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "sheet-a/row-3/snap.html", "text/html", strings.NewReader("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "sheet-a/row-3/snap.html"), uri)

	data, err := os.ReadFile(filepath.Join(dir, "sheet-a/row-3/snap.html"))
	require.NoError(t, err)
	require.Equal(t, "<html></html>", string(data))
}

func TestPutObjectRejectsPathTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../outside.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}

func TestNewCreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "snapshots")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
