package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidJSON = errors.New("invalid JSON value")

// StringArray represents a slice that is stored as JSON in a text column.
type StringArray []string

// Scan implements the sql.Scanner interface for database deserialization
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = make(StringArray, 0)
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("%w: cannot scan type %T into StringArray", ErrInvalidJSON, value)
	}
	if len(raw) == 0 || string(raw) == "null" {
		*a = make(StringArray, 0)
		return nil
	}
	return json.Unmarshal(raw, a)
}

// Value implements the driver.Valuer interface for database serialization
func (a StringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("error marshaling StringArray: %w", err)
	}
	return string(raw), nil
}

// Contains reports whether the array holds the given element.
func (a StringArray) Contains(s string) bool {
	for _, e := range a {
		if e == s {
			return true
		}
	}
	return false
}
