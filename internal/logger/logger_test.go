package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/jask/clinicbook/internal/config"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"info":    zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		require.Equal(t, want, parseLevel(in), in)
	}
}

func TestNewWriterJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	log.Debug("queue drained")
	require.NoError(t, log.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "queue drained", entry["msg"])
	require.Equal(t, "debug", entry["level"])
}

func TestNewFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sync.log")
	log, err := New(config.LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	log.Info("resync ok")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "resync ok"))
}

func TestNewBadFile(t *testing.T) {
	t.Parallel()

	_, err := New(config.LogConfig{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
}

func TestOrNop(t *testing.T) {
	t.Parallel()
	require.NotNil(t, OrNop(nil))
}
