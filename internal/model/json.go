package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Args are the positional arguments of a schedule, stored as a JSON array.
type Args []any

// Kwargs are the keyword arguments of a schedule, stored as a JSON object.
type Kwargs map[string]any

func (a Args) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]any(a))
}

func (a *Args) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return err
	}
	var v []any
	if len(b) > 0 {
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
	}
	if v == nil {
		v = []any{}
	}
	*a = v
	return nil
}

func (a Args) Clone() Args {
	if a == nil {
		return Args{}
	}
	return slices.Clone(a)
}

func (k Kwargs) Value() (driver.Value, error) {
	if k == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(k))
}

func (k *Kwargs) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return err
	}
	var v map[string]any
	if len(b) > 0 {
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
	}
	if v == nil {
		v = map[string]any{}
	}
	*k = v
	return nil
}

func (k Kwargs) Clone() Kwargs {
	if k == nil {
		return Kwargs{}
	}
	return maps.Clone(k)
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T into json column", src)
	}
}
