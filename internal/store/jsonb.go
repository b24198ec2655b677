package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB adapts arbitrary JSON-able Go values to Postgres's jsonb columns.
type JSONB map[string]interface{}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src interface{}) error {
	if src == nil {
		*j = JSONB{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", src)
	}
	if len(raw) == 0 {
		*j = JSONB{}
		return nil
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("unmarshal jsonb: %w", err)
	}
	*j = m
	return nil
}

// JSONList adapts a JSON array column (urls, impacted_assets, topic_entities).
type JSONList []interface{}

func (j JSONList) Value() (driver.Value, error) {
	if j == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]interface{}(j))
}

func (j *JSONList) Scan(src interface{}) error {
	if src == nil {
		*j = JSONList{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONList source type %T", src)
	}
	if len(raw) == 0 {
		*j = JSONList{}
		return nil
	}
	var list []interface{}
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("unmarshal jsonlist: %w", err)
	}
	*j = list
	return nil
}
