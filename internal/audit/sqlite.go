package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	sb     sq.StatementBuilderType
}

// NewSQLiteStore creates a new SQLite audit store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return newSQLiteStore(db, dbPath), nil
}

func newSQLiteStore(db *sql.DB, dbPath string) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL DEFAULT '',
		operation TEXT NOT NULL,
		stage_reached TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		subtype TEXT NOT NULL DEFAULT '',
		content_kind TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_records(created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_operation_outcome ON audit_records(operation, outcome);
	`

	_, err := db.Exec(schema)
	return err
}

// Append stores a record
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	prepare(rec)

	query, args, err := s.sb.Insert(tableName).Columns(columns...).Values(
		rec.ID.String(), rec.RequestID, rec.Operation, rec.StageReached, rec.Outcome,
		rec.Subtype, rec.ContentKind, rec.FileSize, rec.DurationMs, rec.CreatedAt,
	).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}
	return nil
}

// Recent returns the newest records first
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	query, args, err := s.sb.Select(columns...).From(tableName).
		OrderBy("created_at DESC").Limit(clampLimit(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Counts aggregates records per operation and outcome
func (s *SQLiteStore) Counts(ctx context.Context) ([]Count, error) {
	query, args, err := s.sb.Select("operation", "outcome", "COUNT(*)").From(tableName).
		GroupBy("operation", "outcome").OrderBy("operation", "outcome").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query counts: %w", err)
	}
	defer rows.Close()

	var out []Count
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Operation, &c.Outcome, &c.Total); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var id string
	var createdAt time.Time
	err := s.Scan(
		&id, &rec.RequestID, &rec.Operation, &rec.StageReached, &rec.Outcome,
		&rec.Subtype, &rec.ContentKind, &rec.FileSize, &rec.DurationMs, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid record id %q: %w", id, err)
	}
	rec.ID = parsed
	rec.CreatedAt = createdAt.UTC()
	return rec, nil
}
