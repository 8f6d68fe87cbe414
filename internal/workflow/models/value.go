// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSONMap is the opaque string-keyed map carried on executions, step
// executions and navigation events. Values belong to the closed sum the
// condition evaluator understands: string, float64, bool, nil, []any and
// map[string]any (the types encoding/json produces).
type JSONMap map[string]any

// Scan implements the sql.Scanner interface.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan JSONMap from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface.
func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(m)
}

// Clone returns a deep copy via a JSON round trip. Values outside the
// closed sum are normalized into it as a side effect.
func (m JSONMap) Clone() JSONMap {
	if len(m) == 0 {
		return JSONMap{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return JSONMap{}
	}
	var out JSONMap
	if err := json.Unmarshal(raw, &out); err != nil {
		return JSONMap{}
	}
	return out
}

// Merge copies every key of other into m, overwriting existing keys.
func (m JSONMap) Merge(other JSONMap) {
	for k, v := range other {
		m[k] = v
	}
}
