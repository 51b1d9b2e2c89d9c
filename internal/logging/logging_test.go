package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineWriter(t *testing.T) {
	var out bytes.Buffer
	w := NewLineWriter(&out)
	w.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	_, err := w.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, "line=1 time=2024-01-02T03:04:05Z first\n", out.String())

	_, err = w.Write([]byte("ond\r\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "line=2 time=2024-01-02T03:04:05Z second", lines[1])
	assert.Equal(t, "line=3 time=2024-01-02T03:04:05Z tail", lines[2])
}

func TestSetup_ConsoleLevelAndFile(t *testing.T) {
	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "run.log")

	logger, closeFn, err := Setup(Options{Level: slog.LevelInfo, Console: &console, File: file})
	require.NoError(t, err)

	logger.Debug("hidden from console", "k", 1)
	logger.Info("wholecopy done", "uploaded", 3)
	require.NoError(t, closeFn())

	assert.NotContains(t, console.String(), "hidden from console")
	assert.Contains(t, console.String(), "wholecopy done")
	assert.NotContains(t, console.String(), "\x1b[", "no colour when not a terminal")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `msg="hidden from console" k=1`)
	assert.Contains(t, string(data), "msg=\"wholecopy done\" uploaded=3")
	assert.Contains(t, string(data), "line=1 ")
}

func TestFanout_WithAttrs(t *testing.T) {
	var a, b bytes.Buffer
	h := NewFanout(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewTextHandler(&b, nil),
	)
	logger := slog.New(h).With("host", "builder")

	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
	logger.Info("rfs ready")
	assert.Empty(t, a.String())
	assert.Contains(t, b.String(), "host=builder")
}

func TestRunLogFile(t *testing.T) {
	got := RunLogFile("/state", time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC))
	assert.Equal(t, filepath.Join("/state", "logs", "rfsync-20240506-070809.log"), got)
}
