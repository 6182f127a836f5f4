// Package archive stores rendered page snapshots so failed extractions
// can be inspected and replayed without re-scraping.
package archive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/pipeline"
)

// BlobStore writes one artifact and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Store implements pipeline.Archiver on a blob store.
type Store struct {
	blobs  BlobStore
	ids    pipeline.IDGenerator
	prefix string
	logger *zap.Logger
}

// New builds a Store. Snapshots are written under prefix when set.
func New(blobs BlobStore, ids pipeline.IDGenerator, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blobs: blobs, ids: ids, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// Archive writes the page HTML under destination/row/snapshot-id.html.
func (s *Store) Archive(ctx context.Context, task pipeline.Task, page pipeline.PageState) error {
	path := fmt.Sprintf("%s/row-%d/%s.html", task.DestinationID, task.RowIndex, s.ids.NewID())
	if s.prefix != "" {
		path = s.prefix + "/" + path
	}
	uri, err := s.blobs.PutObject(ctx, path, "text/html; charset=utf-8", strings.NewReader(page.HTML))
	if err != nil {
		return fmt.Errorf("archive snapshot: %w", err)
	}
	s.logger.Debug("snapshot archived",
		zap.String("url", task.URL),
		zap.String("blob", uri),
	)
	return nil
}

// Noop discards snapshots. It is the default when archiving is not
// configured.
type Noop struct{}

// Archive implements pipeline.Archiver.
func (Noop) Archive(context.Context, pipeline.Task, pipeline.PageState) error {
	return nil
}
