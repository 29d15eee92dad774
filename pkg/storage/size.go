package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EstimateSize returns the UTF-8 byte length of value's canonical JSON form.
// A nil value counts as JSON null.
func EstimateSize(value any) (int, error) {
	data, err := encodeValue(value)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// entrySize is the accounting unit for bytes-in-use: key plus encoded value.
func entrySize(key string, value any) (int, error) {
	n, err := EstimateSize(value)
	if err != nil {
		return 0, err
	}
	return len(key) + n, nil
}

// encodeValue marshals without HTML escaping so sizes match a plain JSON
// serializer byte for byte.
func encodeValue(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func decodeValue(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return v, nil
}

// normalize round-trips value through JSON so callers always see decoded
// JSON types (float64, map[string]any, []any).
func normalize(value any) (any, error) {
	data, err := encodeValue(value)
	if err != nil {
		return nil, err
	}
	return decodeValue(data)
}
