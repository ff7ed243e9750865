package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSON is an opaque jsonb column. The store never interprets its contents —
// Flow.JobStructure and Flow.Progress are both carried this way, exactly as
// §6 requires ("both opaque to the store beyond JSON").
type JSON map[string]interface{}

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = JSON{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("models: JSON column holds an unsupported type")
	}

	if len(bytes) == 0 {
		*j = JSON{}
		return nil
	}

	result := make(JSON)
	if err := json.Unmarshal(bytes, &result); err != nil {
		return err
	}
	*j = result
	return nil
}

// GormDataType tells GORM's automigration what column type to use.
func (JSON) GormDataType() string {
	return "jsonb"
}
