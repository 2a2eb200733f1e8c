package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/abnet/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want zerolog.Level
	}{
		{config.LogLevelTrace, zerolog.TraceLevel},
		{config.LogLevelDebug, zerolog.DebugLevel},
		{config.LogLevelInfo, zerolog.InfoLevel},
		{config.LogLevelWarn, zerolog.WarnLevel},
		{config.LogLevelError, zerolog.ErrorLevel},
		{config.LogLevelFatal, zerolog.FatalLevel},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.ErrorIs(t, err, config.ErrInvalidLogLevel)
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		lines = append(lines, entry)
	}
	return lines
}

func TestNewJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abnet.log")

	logger, closer, err := New(config.LogConfig{
		Level:  config.LogLevelInfo,
		Format: "json",
		Output: path,
		Fields: map[string]interface{}{"node": "gate-1"},
	})
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	logger.Info().Str("component", "test").Msg("visible")
	require.NoError(t, closer.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "visible", lines[0]["message"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "gate-1", lines[0]["node"])
	assert.Equal(t, "test", lines[0]["component"])
	assert.Contains(t, lines[0], "time")
}

func TestNewErrors(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"})
	assert.ErrorIs(t, err, config.ErrInvalidLogLevel)

	_, _, err = New(config.LogConfig{Level: config.LogLevelInfo, Format: "xml"})
	assert.Error(t, err)

	_, _, err = New(config.LogConfig{Level: config.LogLevelInfo, Output: filepath.Join(t.TempDir(), "missing", "abnet.log")})
	assert.Error(t, err)
}

func TestSetupAndSetLevel(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "abnet.log")
	_, closer, err := Setup(config.LogConfig{Level: config.LogLevelWarn, Format: "json", Output: path})
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	log.Info().Msg("dropped")
	require.NoError(t, SetLevel(config.LogLevelDebug))
	log.Debug().Msg("kept")

	assert.Error(t, SetLevel("loud"))

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["message"])
}
