package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	t.Run("json format emits structured records", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)

		logger.Info("message published", "topic", "USER_REGISTERED")
		logger.Debug("hidden")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "message published", record["msg"])
		assert.Equal(t, "USER_REGISTERED", record["topic"])
		assert.NotContains(t, buf.String(), "hidden")
	})

	t.Run("text format is the default and becomes slog.Default", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(Config{Level: "debug"}, &buf)

		slog.Debug("visible")
		assert.Same(t, logger, slog.Default())
		assert.Contains(t, buf.String(), "msg=visible")
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
