// Package gcs stores page snapshots in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// snapshotContentType is used when the caller does not name one.
// Everything the scraper archives is a rendered HTML document.
const snapshotContentType = "text/html; charset=utf-8"

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// BlobStore writes page snapshots to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads a snapshot to the configured bucket and returns a
// gs:// URI. Snapshots are small single documents, so the upload is a
// single request rather than a resumable chunked one, and they are
// marked no-store so an edge cache never serves a stale copy of a page
// that may be re-archived under the same path on a later attempt.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	if contentType == "" {
		contentType = snapshotContentType
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = "no-store"
	writer.ChunkSize = 0
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy snapshot: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy snapshot: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}
