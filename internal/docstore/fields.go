package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Fields is the flat field map of a document. Supported values are nil,
// string, bool, numbers (stored as float64), time.Time and ServerTimestamp.
type Fields map[string]any

type serverTimestamp struct{}

// ServerTimestamp is replaced by the store's clock when a write is applied.
var ServerTimestamp = serverTimestamp{}

const (
	timeKey       = "$time"
	serverTimeKey = "$serverTime"
)

func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// MarshalJSON tags timestamps so they survive the wire as timestamps, not strings.
func (f Fields) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(f))
	for k, v := range f {
		ev, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = ev
	}
	return json.Marshal(out)
}

func (f *Fields) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Fields, len(raw))
	for k, r := range raw {
		v, err := decodeValue(r)
		if err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = v
	}
	*f = out
	return nil
}

func encodeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case time.Time:
		return map[string]string{timeKey: x.UTC().Format(time.RFC3339Nano)}, nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return map[string]string{timeKey: x.UTC().Format(time.RFC3339Nano)}, nil
	case serverTimestamp:
		return map[string]bool{serverTimeKey: true}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func decodeValue(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		if ts, ok := obj[timeKey]; ok && len(obj) == 1 {
			var s string
			if err := json.Unmarshal(ts, &s); err != nil {
				return nil, fmt.Errorf("invalid timestamp: %w", err)
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp: %w", err)
			}
			return t.UTC(), nil
		}
		if _, ok := obj[serverTimeKey]; ok && len(obj) == 1 {
			return ServerTimestamp, nil
		}
		return nil, fmt.Errorf("nested objects are not supported")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported value %s", string(raw))
	}
}

// normalize validates values and resolves ServerTimestamp to now.
func normalize(f Fields, now time.Time) (Fields, error) {
	out := make(Fields, len(f))
	for k, v := range f {
		if k == "" {
			return nil, fmt.Errorf("empty field name")
		}
		switch x := v.(type) {
		case nil, string, bool:
			out[k] = x
		case float64:
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("field %s: non-finite number", k)
			}
			out[k] = x
		case int:
			out[k] = float64(x)
		case int64:
			out[k] = float64(x)
		case time.Time:
			out[k] = x.UTC().Round(0)
		case *time.Time:
			if x == nil {
				out[k] = nil
			} else {
				out[k] = x.UTC().Round(0)
			}
		case serverTimestamp:
			out[k] = now
		default:
			return nil, fmt.Errorf("field %s: unsupported value type %T", k, v)
		}
	}
	return out, nil
}

// equalValues compares two normalized values.
func equalValues(a, b any) bool {
	ta, aok := a.(time.Time)
	tb, bok := b.(time.Time)
	if aok || bok {
		return aok && bok && ta.Equal(tb)
	}
	switch x := a.(type) {
	case int:
		a = float64(x)
	case int64:
		a = float64(x)
	}
	switch x := b.(type) {
	case int:
		b = float64(x)
	case int64:
		b = float64(x)
	}
	return a == b
}

// compareValues orders two values of the same kind. ok is false when they
// are not comparable.
func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}
