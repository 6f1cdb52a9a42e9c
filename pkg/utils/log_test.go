package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogHandler(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		handler, err := newLogHandler(&buf, HandlerTypeJSON, "warn")
		require.NoError(t, err)
		logger := slog.New(handler)
		logger.Info("Dropped.")
		logger.Warn("Kept.", "key", "value")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "Kept.", record["msg"])
		assert.Equal(t, "value", record["key"])
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		handler, err := newLogHandler(&buf, HandlerTypeText, "debug")
		require.NoError(t, err)
		assert.True(t, handler.Enabled(context.Background(), slog.LevelDebug))
		slog.New(handler).Debug("Hello.")
		assert.Contains(t, buf.String(), "msg=Hello.")
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := newLogHandler(&bytes.Buffer{}, "xml", "info")
		assert.ErrorContains(t, err, "log_handler_type")
		_, err = newLogHandler(&bytes.Buffer{}, HandlerTypeJSON, "loud")
		assert.ErrorContains(t, err, "log_level")
	})
}

func TestInitLogging(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	SetTestFlag(t, "log_level", "error")
	require.NoError(t, InitLogging())
	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelWarn))

	SetTestFlag(t, "log_handler_type", "yaml")
	assert.Error(t, InitLogging())
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelInfo), "Falls back to info")
}
