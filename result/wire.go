package result

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// WireVersion identifies the JSON shape produced by EncodeWire. Out-of-process
// plugins receive it in the X-Goextract-Wire-Version header.
const WireVersion = "1"

// WireVersionHeader is the HTTP header carrying WireVersion.
const WireVersionHeader = "X-Goextract-Wire-Version"

type wireResult ExtractionResult

// MarshalJSON always emits tables as an array and metadata as an object.
func (r ExtractionResult) MarshalJSON() ([]byte, error) {
	w := wireResult(r)
	if w.Tables == nil {
		w.Tables = []Table{}
	}
	if w.Metadata == nil {
		w.Metadata = Metadata{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts metadata either as an object or as a string holding
// a JSON object.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*m = Metadata{}
			return nil
		}
		data = []byte(s)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	*m = raw
	return nil
}

// Int reads an integer value regardless of whether it was set in process
// or decoded from the wire.
func (m Metadata) Int(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := strconv.Atoi(v.String())
		return n, err == nil
	default:
		return 0, false
	}
}

// String reads a string value.
func (m Metadata) String(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// EncodeWire serializes a result to the wire shape.
func EncodeWire(r *ExtractionResult) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("encode wire: nil result")
	}
	return json.Marshal(r)
}

// DecodeWire parses the wire shape. Numbers inside metadata decode as
// json.Number so re-encoding reproduces the input exactly.
func DecodeWire(data []byte) (*ExtractionResult, error) {
	var r ExtractionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode wire: %w", err)
	}
	return &r, nil
}
