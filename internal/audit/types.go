// Package audit records one row per orchestrated request. Rows carry outcome
// codes and request metadata only; diagnosis labels and payload bytes are never
// stored.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OutcomeOK marks a request that completed without error
const OutcomeOK = "ok"

// Record is one audited request
type Record struct {
	ID           uuid.UUID `json:"id" yaml:"id"`
	RequestID    string    `json:"request_id" yaml:"request_id"`
	Operation    string    `json:"operation" yaml:"operation"`
	StageReached string    `json:"stage_reached" yaml:"stage_reached"`
	Outcome      string    `json:"outcome" yaml:"outcome"`
	Subtype      string    `json:"subtype,omitempty" yaml:"subtype,omitempty"`
	ContentKind  string    `json:"content_kind,omitempty" yaml:"content_kind,omitempty"`
	FileSize     int64     `json:"file_size" yaml:"file_size"`
	DurationMs   int64     `json:"duration_ms" yaml:"duration_ms"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// Count is the number of records per operation and outcome
type Count struct {
	Operation string `json:"operation" yaml:"operation"`
	Outcome   string `json:"outcome" yaml:"outcome"`
	Total     int64  `json:"total" yaml:"total"`
}

// Store defines the audit trail storage operations.
type Store interface {
	// Append stores a record, assigning ID and CreatedAt when unset.
	Append(ctx context.Context, rec *Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*Record, error)

	// Counts aggregates records per operation and outcome.
	Counts(ctx context.Context) ([]Count, error)

	// Close releases resources.
	Close() error
}

const tableName = "audit_records"

var columns = []string{
	"id", "request_id", "operation", "stage_reached", "outcome",
	"subtype", "content_kind", "file_size", "duration_ms", "created_at",
}

func prepare(rec *Record) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
}

func clampLimit(limit int) uint64 {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return uint64(limit)
}

// NopStore discards records
type NopStore struct{}

func (NopStore) Append(context.Context, *Record) error          { return nil }
func (NopStore) Recent(context.Context, int) ([]*Record, error) { return nil, nil }
func (NopStore) Counts(context.Context) ([]Count, error)        { return nil, nil }
func (NopStore) Close() error                                   { return nil }
