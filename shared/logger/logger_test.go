package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuffered(t *testing.T, cfg Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	cfg.writer = out
	logger, err := New(&cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	return logger, out
}

func decodeLines(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  []string
	}{
		{level: "debug", want: []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{level: "info", want: []string{"INFO", "WARN", "ERROR"}},
		{level: "WARN", want: []string{"WARN", "ERROR"}},
		{level: "warning", want: []string{"WARN", "ERROR"}},
		{level: " error ", want: []string{"ERROR"}},
		{level: "bogus", want: []string{"INFO", "WARN", "ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, out := newBuffered(t, Config{Level: tt.level, Format: "json"})

			logger.Debug("Claimed jobs", slog.Int64("job_id", 1))
			logger.Info("Job completed", slog.Int64("job_id", 1))
			logger.Warn("Failed to write progress cache", slog.Int64("job_id", 1))
			logger.Error("Failed to persist job outcome", slog.Int64("job_id", 1))

			var levels []string
			for _, e := range decodeLines(t, out) {
				levels = append(levels, e["level"].(string))
				assert.Equal(t, float64(1), e["job_id"])
			}
			assert.Equal(t, tt.want, levels)
		})
	}
}

func TestNew_Formats(t *testing.T) {
	t.Run("json carries attributes and time", func(t *testing.T) {
		logger, out := newBuffered(t, Config{Level: "info", Format: "json"})
		logger.Info("Engine started", slog.String("process_id", "engine-a"), slog.Int("workers", 4))

		entries := decodeLines(t, out)
		require.Len(t, entries, 1)
		assert.Equal(t, "Engine started", entries[0]["msg"])
		assert.Equal(t, "engine-a", entries[0]["process_id"])
		assert.Equal(t, float64(4), entries[0]["workers"])
		assert.Contains(t, entries[0], "time")
	})

	t.Run("text", func(t *testing.T) {
		logger, out := newBuffered(t, Config{Level: "info", Format: "text"})
		logger.Info("Engine started", slog.String("process_id", "engine-a"))
		assert.Contains(t, out.String(), "level=INFO")
		assert.Contains(t, out.String(), "process_id=engine-a")
	})

	t.Run("console uses tint", func(t *testing.T) {
		logger, out := newBuffered(t, Config{Level: "info", Format: "console", TimeFormat: time.Kitchen})
		logger.Info("Engine started")
		assert.Contains(t, out.String(), "INF")
		assert.Contains(t, out.String(), "Engine started")
	})

	t.Run("source location", func(t *testing.T) {
		logger, out := newBuffered(t, Config{Level: "info", Format: "json", EnableSource: true})
		logger.Info("Engine started")

		entries := decodeLines(t, out)
		require.Len(t, entries, 1)
		source, ok := entries[0]["source"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, source, "file")
		assert.Contains(t, source, "line")
	})
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")

	logger, err := New(&Config{
		Level:  "info",
		Format: "console",
		Output: path,
	})
	require.NoError(t, err)

	logger.With("component", "engine").Info("written to file", slog.String("job_id", "7"))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), "job_id=7")
	assert.Contains(t, string(data), "component=engine")
	assert.NotContains(t, string(data), "\x1b[", "file output has no color codes")
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Logger)
	assert.NoError(t, logger.Close())
}

func TestLogger_Derived(t *testing.T) {
	logger, out := newBuffered(t, Config{Level: "info", Format: "json"})

	logger.WithGroup("job").Info("Job claimed", slog.Int64("id", 9))
	logger.WithAttrs(slog.String("process_id", "engine-a")).Info("Cleanup tick")
	logger.With("component", "listener", "prefetch", 16).Info("Job event listener started")

	entries := decodeLines(t, out)
	require.Len(t, entries, 3)

	group, ok := entries[0]["job"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(9), group["id"])

	assert.Equal(t, "engine-a", entries[1]["process_id"])
	assert.Equal(t, "Cleanup tick", entries[1]["msg"])

	assert.Equal(t, "listener", entries[2]["component"])
	assert.Equal(t, float64(16), entries[2]["prefetch"])
}
