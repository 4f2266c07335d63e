package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
)

// Metadata is an opaque bag of gateway-provided values kept for display and support.
// Values are primitives only (string, float64, bool or nil); business decisions are never
// read from it.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// Merge returns a copy of m overlaid with other.
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	maps.Copy(out, m)
	maps.Copy(out, other)
	return out
}

// FlattenMetadata turns a decoded JSON object into dotted primitive keys,
// e.g. {"payment_method":{"type":"CARD"}} becomes {"payment_method.type":"CARD"}.
// Arrays are kept as their JSON text.
func FlattenMetadata(raw map[string]any) Metadata {
	out := Metadata{}
	flattenInto(out, "", raw)
	return out
}

func flattenInto(out Metadata, prefix string, raw map[string]any) {
	for k, v := range raw {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenInto(out, key, val)
		case []any:
			b, err := json.Marshal(val)
			if err == nil {
				out[key] = string(b)
			}
		case string, float64, bool, nil:
			out[key] = val
		case int64:
			out[key] = float64(val)
		case int:
			out[key] = float64(val)
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// Value stores metadata as JSONB.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	*m = out
	return nil
}
