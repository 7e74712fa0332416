package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSONObject(t *testing.T) {
	t.Run("valid JSON object is decoded", func(t *testing.T) {
		obj, err := DecodeJSONObject([]byte(`{"event":"click","id":"btn1"}`))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"event": "click", "id": "btn1"}, obj)
	})

	t.Run("numbers keep their text", func(t *testing.T) {
		obj, err := DecodeJSONObject([]byte(`{"n": 12345678901234567890, "f": 1.50}`))
		require.NoError(t, err)
		assert.Equal(t, json.Number("12345678901234567890"), obj["n"])
		assert.Equal(t, json.Number("1.50"), obj["f"])
	})

	t.Run("surrounding whitespace is accepted", func(t *testing.T) {
		_, err := DecodeJSONObject([]byte("  {}\n"))
		assert.NoError(t, err)
	})

	t.Run("invalid JSON fails", func(t *testing.T) {
		for _, s := range []string{``, `not json`, `{`, `{]`, `{} {}`, `{}}`} {
			_, err := DecodeJSONObject([]byte(s))
			assert.Error(t, err, s)
		}
	})

	t.Run("non-object JSON fails", func(t *testing.T) {
		for _, s := range []string{`[1,2,3]`, `"hello"`, `123`, `true`, `null`} {
			_, err := DecodeJSONObject([]byte(s))
			assert.ErrorIs(t, err, ErrNotJSONObject, s)
		}
	})
}
