package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leadharbor/harvester/internal/pipeline"
)

type fakeBlobs struct {
	path        string
	contentType string
	body        string
	err         error
}

func (f *fakeBlobs) PutObject(_ context.Context, path, contentType string, data io.Reader) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	f.path = path
	f.contentType = contentType
	f.body = string(body)
	return "file:///" + path, nil
}

type staticID struct{ id string }

func (s staticID) NewID() string { return s.id }

func TestArchiveWritesSnapshotUnderRowPath(t *testing.T) {
	t.Parallel()

	blobs := &fakeBlobs{}
	store := New(blobs, staticID{id: "snap-1"}, "", nil)

	task := pipeline.Task{URL: "https://example.com/p/1", RowIndex: 3, DestinationID: "sheet-a"}
	page := pipeline.PageState{HTML: "<html>rendered</html>"}

	err := store.Archive(context.Background(), task, page)
	require.NoError(t, err)
	require.Equal(t, "sheet-a/row-3/snap-1.html", blobs.path)
	require.Equal(t, "text/html; charset=utf-8", blobs.contentType)
	require.Equal(t, "<html>rendered</html>", blobs.body)
}

func TestArchivePrependsPrefix(t *testing.T) {
	t.Parallel()

	blobs := &fakeBlobs{}
	store := New(blobs, staticID{id: "snap-2"}, "snapshots/", nil)

	task := pipeline.Task{RowIndex: 1, DestinationID: "sheet-b"}
	require.NoError(t, store.Archive(context.Background(), task, pipeline.PageState{HTML: "x"}))
	require.Equal(t, "snapshots/sheet-b/row-1/snap-2.html", blobs.path)
}

func TestArchiveWrapsBlobError(t *testing.T) {
	t.Parallel()

	blobs := &fakeBlobs{err: errors.New("bucket gone")}
	store := New(blobs, staticID{id: "snap-1"}, "", nil)

	err := store.Archive(context.Background(), pipeline.Task{DestinationID: "sheet-a"}, pipeline.PageState{})
	require.Error(t, err)
}

func TestNoopArchiverDiscards(t *testing.T) {
	t.Parallel()

	require.NoError(t, Noop{}.Archive(context.Background(), pipeline.Task{}, pipeline.PageState{}))
}
