// Package postgres provides Postgres-backed sink implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadharbor/harvester/internal/pipeline"
	"github.com/leadharbor/harvester/internal/sink"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool behind the sink.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Sink writes outcome batches into one Postgres table keyed by
// (destination_id, row_index).
type Sink struct {
	pool  dbPool
	table string
}

// New creates a Postgres-backed Sink using the provided config.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "leads"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Sink{pool: pool, table: table}, nil
}

// NewWithPool constructs a Sink from an existing pool (primarily for
// testing).
func NewWithPool(pool dbPool, table string) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "leads"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Sink{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ReadPending implements sink.Sink.
func (s *Sink) ReadPending(ctx context.Context, destinationID string, limit int) ([]sink.Row, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT row_index, url
FROM %s
WHERE destination_id = $1
  AND status IS NULL
  AND url <> ''
ORDER BY row_index
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, destinationID, limit)
	if err != nil {
		return nil, fmt.Errorf("read pending rows: %w", err)
	}
	defer rows.Close()

	var pending []sink.Row
	for rows.Next() {
		var r sink.Row
		if err := rows.Scan(&r.Index, &r.URL); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending rows: %w", err)
	}
	return pending, nil
}

// WriteBatch implements sink.Sink. The batch goes in as one upsert
// statement so it lands atomically.
func (s *Sink) WriteBatch(ctx context.Context, destinationID string, outcomes []pipeline.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	indexes := make([]int32, len(outcomes))
	urls := make([]string, len(outcomes))
	emails := make([]string, len(outcomes))
	statuses := make([]string, len(outcomes))
	scrapedAts := make([]time.Time, len(outcomes))
	for i, o := range outcomes {
		indexes[i] = int32(o.RowIndex)
		urls[i] = o.URL
		emails[i] = o.Email
		statuses[i] = string(o.Status)
		scrapedAts[i] = o.ScrapedAt
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	destination_id,
	row_index,
	url,
	email,
	status,
	scraped_at
)
SELECT $1, x.row_index, x.url, x.email, x.status, x.scraped_at
FROM unnest($2::int[], $3::text[], $4::text[], $5::text[], $6::timestamptz[])
	AS x(row_index, url, email, status, scraped_at)
ON CONFLICT (destination_id, row_index) DO UPDATE SET
	url = EXCLUDED.url,
	email = EXCLUDED.email,
	status = EXCLUDED.status,
	scraped_at = EXCLUDED.scraped_at`, s.table)

	if _, err := s.pool.Exec(ctx, query, destinationID, indexes, urls, emails, statuses, scrapedAts); err != nil {
		if isQuotaError(err) {
			return fmt.Errorf("write batch: %w: %w", sink.ErrQuota, err)
		}
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}

// isQuotaError classifies Postgres insufficient-resources and
// query-canceled rejections as transient quota pressure.
func isQuotaError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if strings.HasPrefix(pgErr.Code, "53") {
		return true
	}
	return pgErr.Code == "57014"
}
