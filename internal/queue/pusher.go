package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/leadharbor/harvester/internal/pipeline"
)

// OutcomePusher implements pipeline.ResultPusher over a queue backend.
type OutcomePusher struct {
	backend Backend
}

// NewOutcomePusher wraps the result queue's backend.
func NewOutcomePusher(backend Backend) *OutcomePusher {
	return &OutcomePusher{backend: backend}
}

// PushOutcome enqueues the outcome under its dedup key. A duplicate
// push (a requeued task that already reported) is a silent no-op.
func (p *OutcomePusher) PushOutcome(ctx context.Context, outcome pipeline.Outcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if _, err := p.backend.Enqueue(ctx, outcome.DedupKey(), body); err != nil {
		return fmt.Errorf("enqueue outcome: %w", err)
	}
	return nil
}
