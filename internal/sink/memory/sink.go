// Package memory provides an in-memory sink for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/leadharbor/harvester/internal/pipeline"
	"github.com/leadharbor/harvester/internal/sink"
)

// Sink keeps rows and outcomes in maps. Write failures can be injected
// to exercise retry and dead-letter paths.
type Sink struct {
	mu       sync.Mutex
	rows     map[string]map[int]string
	outcomes map[string]map[int]pipeline.Outcome
	writeErr []error
	writes   int
}

// New constructs an empty Sink.
func New() *Sink {
	return &Sink{
		rows:     make(map[string]map[int]string),
		outcomes: make(map[string]map[int]pipeline.Outcome),
	}
}

// SeedRow registers a source row awaiting a scrape.
func (s *Sink) SeedRow(destinationID string, index int, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[destinationID] == nil {
		s.rows[destinationID] = make(map[int]string)
	}
	s.rows[destinationID][index] = url
}

// FailNextWrites queues errors returned by upcoming WriteBatch calls,
// one per call, in order.
func (s *Sink) FailNextWrites(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = append(s.writeErr, errs...)
}

// ReadPending implements sink.Sink.
func (s *Sink) ReadPending(_ context.Context, destinationID string, limit int) ([]sink.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []sink.Row
	for idx, url := range s.rows[destinationID] {
		if _, done := s.outcomes[destinationID][idx]; done {
			continue
		}
		pending = append(pending, sink.Row{Index: idx, URL: url})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Index < pending[j].Index })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// WriteBatch implements sink.Sink.
func (s *Sink) WriteBatch(_ context.Context, destinationID string, outcomes []pipeline.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.writeErr) > 0 {
		err := s.writeErr[0]
		s.writeErr = s.writeErr[1:]
		return err
	}

	if s.outcomes[destinationID] == nil {
		s.outcomes[destinationID] = make(map[int]pipeline.Outcome)
	}
	for _, o := range outcomes {
		s.outcomes[destinationID][o.RowIndex] = o
	}
	s.writes++
	return nil
}

// Outcomes returns the stored outcomes for a destination, ordered by
// row index.
func (s *Sink) Outcomes(destinationID string) []pipeline.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]pipeline.Outcome, 0, len(s.outcomes[destinationID]))
	for _, o := range s.outcomes[destinationID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out
}

// Writes reports how many batches landed.
func (s *Sink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
