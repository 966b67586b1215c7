package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileLoggerWritesJSON(t *testing.T) {
	file := filepath.Join(t.TempDir(), "agentdesk.log")
	logger, closeFn, err := New(Options{File: file, Level: "debug"})
	require.NoError(t, err)

	logger.Named("monitor").Debug("health probe failed", zap.String("next", "1s"))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &record))
	assert.Equal(t, "health probe failed", record["message"])
	assert.Equal(t, "DEBUG", record["level"])
	assert.Equal(t, "monitor", record["logger"])
	assert.Equal(t, "1s", record["next"])
	assert.Contains(t, record, "timestamp")
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "warn", Console: &buf})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	require.NoError(t, closeFn())

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNoSinksIsNop(t *testing.T) {
	logger, closeFn, err := New(Options{})
	require.NoError(t, err)
	logger.Error("dropped")
	assert.NoError(t, closeFn())
}

func TestInvalidLevel(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	require.Error(t, err)
}
