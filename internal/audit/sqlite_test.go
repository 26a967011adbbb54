package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "audit.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NotNil(t, store)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
}

func TestSQLiteStore_Append(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	rec := &Record{
		RequestID:    "req-1",
		Operation:    "diagnose",
		StageReached: "final_diagnosis",
		Outcome:      OutcomeOK,
		Subtype:      "cancer_lung",
		ContentKind:  "image",
		FileSize:     2048,
		DurationMs:   31,
	}
	require.NoError(t, store.Append(context.Background(), rec))
	assert.NotEqual(t, uuid.Nil, rec.ID, "ID should be assigned")
	assert.False(t, rec.CreatedAt.IsZero(), "CreatedAt should be set")

	recent, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	got := recent[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "cancer_lung", got.Subtype)
	assert.Equal(t, int64(2048), got.FileSize)
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Second)
}

func TestSQLiteStore_RecentOrderAndLimit(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, &Record{
			Operation: "predict",
			Outcome:   OutcomeOK,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			RequestID: string(rune('a' + i)),
		}))
	}

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "e", recent[0].RequestID)
	assert.Equal(t, "d", recent[1].RequestID)
}

func TestSQLiteStore_Counts(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	for _, r := range []Record{
		{Operation: "diagnose", Outcome: OutcomeOK},
		{Operation: "diagnose", Outcome: OutcomeOK},
		{Operation: "diagnose", Outcome: "MODEL_UNAVAILABLE"},
		{Operation: "predict", Outcome: "INVALID_INPUT"},
	} {
		rec := r
		require.NoError(t, store.Append(ctx, &rec))
	}

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Count{
		{Operation: "diagnose", Outcome: "MODEL_UNAVAILABLE", Total: 1},
		{Operation: "diagnose", Outcome: OutcomeOK, Total: 2},
		{Operation: "predict", Outcome: "INVALID_INPUT", Total: 1},
	}, counts)
}

func TestSQLiteStore_AppendError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_records").WillReturnError(errors.New("disk I/O error"))

	store := newSQLiteStore(db, "mock")
	err = store.Append(context.Background(), &Record{Operation: "classify", Outcome: OutcomeOK})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_CountsQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT operation, outcome, COUNT").WillReturnError(errors.New("database is locked"))

	_, err = newSQLiteStore(db, "mock").Counts(context.Background())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNopStore(t *testing.T) {
	var s Store = NopStore{}
	assert.NoError(t, s.Append(context.Background(), &Record{}))
	recent, err := s.Recent(context.Background(), 5)
	assert.NoError(t, err)
	assert.Empty(t, recent)
	assert.NoError(t, s.Close())
}

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	return store
}
