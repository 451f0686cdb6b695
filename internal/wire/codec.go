// Package wire is the serialization boundary: deterministic JSON bodies for
// messages and log entries, COBS byte stuffing, and zero-delimited framing
// over byte streams. Everything that leaves the process (export files, future
// peer links) passes through here, so the encodings are append-only: fields
// may be added, never renamed or removed.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/snehjoshi/archipelago/internal/types"
)

// Encoding notes:
//   - encoding/json writes struct fields in declaration order and map keys
//     sorted, so equal values always produce identical bytes.
//   - Payloads round-trip through JSON: a decoded payload is whatever
//     encoding/json yields (map[string]any, []any, float64, ...), not the
//     sender's Go type.

// EncodeMessage renders m as one JSON object.
func EncodeMessage(m *types.Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode message seq %d: %w", m.Seq, err)
	}
	return data, nil
}

// DecodeMessage parses a JSON object produced by EncodeMessage.
func DecodeMessage(data []byte) (*types.Message, error) {
	var m types.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wire: decode message: %w", err)
	}
	if m.Kind > types.KindFault {
		return nil, fmt.Errorf("wire: decode message: unknown kind %d", m.Kind)
	}
	return &m, nil
}

// EncodeEntry renders e as one JSON object.
func EncodeEntry(e types.Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: encode entry seq %d: %w", e.Seq, err)
	}
	return data, nil
}

// DecodeEntry parses a JSON object produced by EncodeEntry.
func DecodeEntry(data []byte) (types.Entry, error) {
	var e types.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return types.Entry{}, fmt.Errorf("wire: decode entry: %w", err)
	}
	if e.Kind > types.EntryError {
		return types.Entry{}, fmt.Errorf("wire: decode entry: unknown kind %d", e.Kind)
	}
	return e, nil
}
