package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medscan-diagnosis-server/internal/domain"
)

func TestNew(t *testing.T) {
	logger, closer, err := New(domain.LoggingConfig{Level: "debug", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestNewFallsBackToInfo(t *testing.T) {
	logger, _, err := New(domain.LoggingConfig{Level: "chatty", Format: "text"})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medscan.log")
	logger, closer, err := New(domain.LoggingConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
}

func TestEntryCarriesRequestID(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ctx := WithRequestID(context.Background(), "req-42")

	Entry(ctx, logger).Info("stage complete")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "req-42", hook.LastEntry().Data["request_id"])
	assert.Equal(t, "req-42", RequestID(ctx))
	assert.Empty(t, RequestID(context.Background()))
}
