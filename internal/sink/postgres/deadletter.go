package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadharbor/harvester/internal/pipeline"
)

// DeadLetterStore records dropped batches so operators can replay them
// after fixing whatever rejected the writes.
type DeadLetterStore struct {
	pool  dbPool
	table string
	ids   pipeline.IDGenerator
	clock pipeline.Clock
}

// OpenDeadLetter connects a dedicated pool for the dead-letter table.
func OpenDeadLetter(ctx context.Context, dsn, table string, ids pipeline.IDGenerator, clock pipeline.Clock) (*DeadLetterStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dead_letter.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewDeadLetterStore(pool, table, ids, clock)
}

// NewDeadLetterStore constructs a store writing into table.
func NewDeadLetterStore(pool dbPool, table string, ids pipeline.IDGenerator, clock pipeline.Clock) (*DeadLetterStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "dead_letters"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DeadLetterStore{pool: pool, table: table, ids: ids, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *DeadLetterStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Record implements sink.DeadLetter.
func (s *DeadLetterStore) Record(ctx context.Context, destinationID, reason string, outcomes []pipeline.Outcome) error {
	payload, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Errorf("marshal dead-letter payload: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	destination_id,
	reason,
	outcomes,
	dropped_at
) VALUES ($1,$2,$3,$4,$5)`, s.table)

	args := []any{
		s.ids.NewID(),
		destinationID,
		reason,
		payload,
		s.clock.Now(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}
