package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("nonsense"))
}

func TestSetLevelFiltersHandler(t *testing.T) {
	defer SetLevel("debug")
	SetLevel("warn")

	h := &customHandler{}
	assert.False(t, h.Enabled(nil, slog.LevelInfo))
	assert.True(t, h.Enabled(nil, slog.LevelWarn))
	assert.True(t, h.Enabled(nil, slog.LevelError))
}

func TestJSONParsingWriterReformatsJSONLine(t *testing.T) {
	var buf bytes.Buffer
	w := &JSONParsingWriter{base: &buf}

	_, err := w.Write([]byte(`{"level":"info","message":"ready","time":"2026-07-30T10:00:00Z"}`))
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "[INFO] ready")
}

func TestJSONParsingWriterPassesThroughPlainText(t *testing.T) {
	var buf bytes.Buffer
	w := &JSONParsingWriter{base: &buf}

	_, err := w.Write([]byte("plain log line\n"))
	assert.NoError(t, err)
	assert.Equal(t, "plain log line\n", buf.String())
}
