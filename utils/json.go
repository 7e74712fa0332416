package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNotJSONObject is returned by DecodeJSONObject when the payload is valid
// JSON but not an object.
var ErrNotJSONObject = errors.New("payload is not a json object")

// DecodeJSONObject parses data as exactly one JSON object. Numbers are kept
// as json.Number so they re-encode to the same text.
//
// Parameters:
//   - data: The raw payload, e.g. one WebSocket text frame
//
// Returns:
//   - The decoded object
//   - An error if data is not valid JSON, is not an object, or has trailing data
func DecodeJSONObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid json: trailing data after object")
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotJSONObject
	}

	return obj, nil
}
