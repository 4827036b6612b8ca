package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("dropped")
	logger.Warn("step slow", "pipeline_id", "orders")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "step slow", line["msg"])
	assert.Equal(t, "orders", line["pipeline_id"])
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(Config{Output: &buf}).Info("run finished", "exit", "done")

	assert.Contains(t, buf.String(), "msg=\"run finished\"")
	assert.Contains(t, buf.String(), "exit=done")
}

func TestNewLoggerPretty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Format: FormatPretty, Output: &buf, NoColor: true})

	logger.Debug("pipelines reloaded", "generation", 3)

	out := buf.String()
	assert.Contains(t, out, "DBG")
	assert.Contains(t, out, "pipelines reloaded")
	assert.Contains(t, out, "generation=3")
	assert.NotContains(t, out, "{", "console output is not raw JSON")
}
