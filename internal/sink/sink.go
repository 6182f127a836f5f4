// Package sink abstracts the destination tables the pipeline reads
// rows from and writes outcomes back to.
package sink

import (
	"context"
	"errors"

	"github.com/leadharbor/harvester/internal/pipeline"
)

// Row is one source row awaiting a scrape: the URL to visit and the
// index addressing the result back.
type Row struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// ErrQuota marks a transient write rejection from the destination.
// Callers back off and retry with the batch intact instead of dropping
// it.
var ErrQuota = errors.New("sink quota exceeded")

// IsQuota reports whether err is a quota rejection.
func IsQuota(err error) bool {
	return errors.Is(err, ErrQuota)
}

// Sink is one destination table. WriteBatch must be atomic per call:
// either the whole batch lands or none of it does.
type Sink interface {
	// ReadPending returns up to limit rows that have a URL but no
	// outcome yet.
	ReadPending(ctx context.Context, destinationID string, limit int) ([]Row, error)

	// WriteBatch writes outcomes for one destination. Outcomes are
	// keyed by row index; writing the same row twice overwrites.
	WriteBatch(ctx context.Context, destinationID string, outcomes []pipeline.Outcome) error
}

// DeadLetter records batches the pipeline gave up on so no outcome is
// silently lost.
type DeadLetter interface {
	Record(ctx context.Context, destinationID, reason string, outcomes []pipeline.Outcome) error
}
