package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tixwatch.log")

	logger, closer, err := NewLogger(Config{Level: "debug", Output: path})
	require.NoError(t, err)
	logger.Info().Str("event_id", "ev1").Msg("checked")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event_id":"ev1"`)
	assert.Contains(t, string(raw), `"message":"checked"`)
}

func TestNewLoggerReportsUnopenableOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "tixwatch.log")

	_, closer, err := NewLogger(Config{Output: path})
	require.Error(t, err)
	assert.Nil(t, closer)
	assert.Contains(t, err.Error(), "open log output")
}

func TestNewLoggerStandardStreams(t *testing.T) {
	for _, out := range []string{"", "stdout", "STDERR"} {
		_, closer, err := NewLogger(Config{Output: out, Format: "console"})
		require.NoError(t, err, out)
		assert.NoError(t, closer.Close(), out)
	}
}
