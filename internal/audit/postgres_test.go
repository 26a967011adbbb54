package audit

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/medscan-diagnosis-server/internal/database"
	"github.com/medscan-diagnosis-server/internal/domain"
)

func setupPostgres(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("audit"),
		postgres.WithUsername("audit"),
		postgres.WithPassword("audit"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := domain.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		Database: "audit",
		Username: "audit",
		Password: "audit",
		MaxConns: 4,
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	runner, err := database.NewMigrationRunner(database.URL(cfg), logger)
	require.NoError(t, err)
	require.NoError(t, runner.Up(ctx))
	require.NoError(t, runner.Close())

	db, err := database.NewConnection(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestPostgresStore(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()

	store, err := NewPostgresStore(ctx, db.Pool)
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	records := []*Record{
		{RequestID: "r1", Operation: "diagnose", Outcome: OutcomeOK, Subtype: "neuro_ms", CreatedAt: base},
		{RequestID: "r2", Operation: "diagnose", Outcome: "UNKNOWN_SUBTYPE", CreatedAt: base.Add(time.Minute)},
		{RequestID: "r3", Operation: "predict", Outcome: OutcomeOK, ContentKind: "tabular", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		require.NoError(t, store.Append(ctx, rec))
	}

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "r3", recent[0].RequestID)
	assert.Equal(t, records[2].ID, recent[0].ID)
	assert.Equal(t, "tabular", recent[0].ContentKind)
	assert.True(t, base.Add(2*time.Minute).Equal(recent[0].CreatedAt))

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Count{
		{Operation: "diagnose", Outcome: "UNKNOWN_SUBTYPE", Total: 1},
		{Operation: "diagnose", Outcome: OutcomeOK, Total: 1},
		{Operation: "predict", Outcome: OutcomeOK, Total: 1},
	}, counts)
}

func TestNewPostgresStoreRequiresPool(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), nil)
	assert.Error(t, err)
}
