package audit

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using PostgreSQL.
// It expects the schema to already exist (created via migrations).
type PostgresStore struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

// NewPostgresStore wraps an existing pool
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// Append stores a record
func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	prepare(rec)

	query, args, err := s.sb.Insert(tableName).Columns(columns...).Values(
		rec.ID, rec.RequestID, rec.Operation, rec.StageReached, rec.Outcome,
		rec.Subtype, rec.ContentKind, rec.FileSize, rec.DurationMs, rec.CreatedAt,
	).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save audit record: %w", err)
	}
	return nil
}

// Recent returns the newest records first
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	query, args, err := s.sb.Select(columns...).From(tableName).
		OrderBy("created_at DESC").Limit(clampLimit(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Record, error) {
		rec := &Record{}
		err := row.Scan(
			&rec.ID, &rec.RequestID, &rec.Operation, &rec.StageReached, &rec.Outcome,
			&rec.Subtype, &rec.ContentKind, &rec.FileSize, &rec.DurationMs, &rec.CreatedAt,
		)
		rec.CreatedAt = rec.CreatedAt.UTC()
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit records: %w", err)
	}
	return records, nil
}

// Counts aggregates records per operation and outcome
func (s *PostgresStore) Counts(ctx context.Context) ([]Count, error) {
	query, args, err := s.sb.Select("operation", "outcome", "COUNT(*)").From(tableName).
		GroupBy("operation", "outcome").OrderBy("operation", "outcome").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}

	counts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Count, error) {
		var c Count
		err := row.Scan(&c.Operation, &c.Outcome, &c.Total)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan counts: %w", err)
	}
	return counts, nil
}

// Close is a no-op; the pool belongs to the caller
func (s *PostgresStore) Close() error {
	return nil
}
