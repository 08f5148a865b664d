package logger_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/programme-lv/referee/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := logger.ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	_, err = logger.ParseLevel("loud")
	require.Error(t, err)
}

func TestWithAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New(&buf, slog.LevelInfo, "json")
	require.NoError(t, err)

	ctx := logger.WithLogger(context.Background(), log)
	ctx = logger.With(ctx, "run_id", "r-1")
	logger.FromContext(ctx).Info("finalized")

	assert.Contains(t, buf.String(), `"run_id":"r-1"`)
	assert.Contains(t, buf.String(), `"msg":"finalized"`)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := logger.New(&bytes.Buffer{}, slog.LevelInfo, "xml")
	require.Error(t, err)
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), logger.FromContext(context.Background()))
}
