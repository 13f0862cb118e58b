package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanctl/internal/infra/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestOpenOutputStreams(t *testing.T) {
	tests := []struct {
		output string
		want   io.Writer
	}{
		{"stdout", os.Stdout},
		{"stderr", os.Stderr},
		{"", os.Stderr},
		{"discard", io.Discard},
		{"none", io.Discard},
	}
	for _, tt := range tests {
		w, closer, err := openOutput(tt.output)
		require.NoError(t, err, tt.output)
		assert.Equal(t, tt.want, w, tt.output)
		assert.NoError(t, closer())
	}
}

func TestOpenOutputInvalidPath(t *testing.T) {
	_, _, err := openOutput(filepath.Join(t.TempDir(), "missing", "log.txt"))
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestNewJSONFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wanctl.log")

	log, closer, err := New(config.LoggerConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	ForRun(log, "01J0RUN").Info("job started", "pid", 42)
	log.Debug("filtered")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "job started", entry["msg"])
	assert.Equal(t, "wanctl", entry["app"])
	assert.Equal(t, "01J0RUN", entry["run_id"])
}

func TestNewInvalidOutput(t *testing.T) {
	_, _, err := New(config.LoggerConfig{Output: filepath.Join(t.TempDir(), "nope", "app.log")})
	if err == nil {
		t.Error("expected error for invalid output path")
	}
}

func TestForRunEmptyID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	ForRun(base, "").Info("hello")
	assert.NotContains(t, buf.String(), "run_id")
}
