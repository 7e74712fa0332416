package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLogger_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(zerolog.New(&buf), "webio", zerolog.DebugLevel)

	l.With(Field{Key: "conn_id", Value: 7}).Info("websocket opened", Field{Key: "addr", Value: "127.0.0.1:1"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "webio", entry["service"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "websocket opened", entry["message"])
	assert.Equal(t, float64(7), entry["conn_id"])
	assert.Equal(t, "127.0.0.1:1", entry["addr"])
}

func TestZerologLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(zerolog.New(&buf), "webio", zerolog.WarnLevel)

	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	assert.NotPanics(t, func() {
		l.Error("ignored", Field{Key: "error", Value: assert.AnError})
		l.With(Field{Key: "k", Value: "v"}).Debug("ignored")
	})
	assert.NoError(t, l.Close())
}

func TestParseLevel(t *testing.T) {
	t.Run("empty means info", func(t *testing.T) {
		l, err := ParseLevel("")
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, l)
	})

	t.Run("case insensitive", func(t *testing.T) {
		l, err := ParseLevel(" DEBUG ")
		require.NoError(t, err)
		assert.Equal(t, zerolog.DebugLevel, l)
	})

	t.Run("unknown level fails", func(t *testing.T) {
		_, err := ParseLevel("loud")
		assert.Error(t, err)
	})
}

func TestDailyFileWriter(t *testing.T) {
	dir := t.TempDir()

	w, err := NewDailyFileWriter("webio", dir)
	require.NoError(t, err)

	t.Run("writes to dated file", func(t *testing.T) {
		_, err := w.Write([]byte("line\n"))
		require.NoError(t, err)

		expected := filepath.Join(dir, "webio_"+time.Now().Format(dateLayout)+".log")
		assert.Equal(t, expected, w.CurrentLogFile())

		data, err := os.ReadFile(expected)
		require.NoError(t, err)
		assert.Equal(t, "line\n", string(data))
	})

	t.Run("rotates when date changes", func(t *testing.T) {
		w.mu.Lock()
		w.now = func() time.Time { return time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC) }
		w.mu.Unlock()

		_, err := w.Write([]byte("tomorrow\n"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "webio_2030-01-02.log"), w.CurrentLogFile())
	})

	t.Run("close is idempotent and blocks writes", func(t *testing.T) {
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())

		_, err := w.Write([]byte("late"))
		assert.Error(t, err)
		assert.Empty(t, w.CurrentLogFile())
	})
}

func TestNewZerologFileLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")

	l, err := NewZerologFileLogger("webio", dir, zerolog.InfoLevel)
	require.NoError(t, err)
	l.Info("to file")
	require.NoError(t, l.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
