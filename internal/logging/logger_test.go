package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONFileAndConsole(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger, err := New(dir, &console)
	require.NoError(t, err)

	logger.Info("download started", "id", "abc123")

	data, err := os.ReadFile(filepath.Join(dir, "logs", "app.json"))
	require.NoError(t, err)
	require.True(t, len(data) > 0)

	var rec map[string]any
	lines := strings.TrimSpace(string(data))
	require.NoError(t, json.Unmarshal([]byte(lines), &rec))
	require.Equal(t, "download started", rec["msg"])
	require.Equal(t, "abc123", rec["id"])

	require.Contains(t, console.String(), "download started")
	require.Contains(t, console.String(), "id=abc123")
}

func TestConsoleHandlerColorsByLevel(t *testing.T) {
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf)
	logger := slog.New(h)

	logger.Error("disk full")
	require.Contains(t, buf.String(), red)
	require.Contains(t, buf.String(), "disk full")
}
