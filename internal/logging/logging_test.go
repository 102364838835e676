package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAndSetOutput(t *testing.T) {
	Init()

	var structured, human bytes.Buffer
	SetOutput(&structured, &human)

	Structured().Info("feed loaded", "count", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(structured.Bytes(), &entry), "structured output should be JSON")
	assert.Equal(t, "feed loaded", entry["msg"], "message should round-trip")
	assert.Equal(t, "INFO", entry["level"], "level should use default name")
}

func TestCustomLevelNames(t *testing.T) {
	Init()

	var structured, human bytes.Buffer
	SetOutput(&structured, &human)
	SetLevel(LevelTrace)

	Structured().Log(t.Context(), LevelTrace, "tick skipped")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(structured.Bytes(), &entry))
	assert.Equal(t, "TRACE", entry["level"], "custom trace level should render as TRACE")
}

func TestForService(t *testing.T) {
	Init()

	var structured, human bytes.Buffer
	SetOutput(&structured, &human)

	ForService("feed").Info("detection added")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(structured.Bytes(), &entry))
	assert.Equal(t, "feed", entry["service"], "service attribute should be attached")
}

func TestNewFileLogger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "perch.log")

	logger, closeFn, err := NewFileLogger(path, "test", slog.LevelInfo)
	require.NoError(t, err, "file logger setup should succeed")
	require.NotNil(t, logger)

	logger.Info("hello")
	require.NoError(t, closeFn(), "close should flush the writer")

	assert.FileExists(t, path, "log file should be created")
}
