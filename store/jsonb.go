package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// pgJSONB adapts a Row ([]interface{}) to Postgres's jsonb column type
// via the database/sql Valuer/Scanner interfaces, the same pattern
// gorm's own examples use for storing arbitrary JSON payloads.
type pgJSONB []interface{}

func (j pgJSONB) Value() (driver.Value, error) {
	if j == nil {
		return "[]", nil
	}
	return json.Marshal([]interface{}(j))
}

func (j *pgJSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return fmt.Errorf("pgJSONB.Scan: unsupported type %T", value)
		}
	}
	var out []interface{}
	if err := json.Unmarshal(bytes, &out); err != nil {
		return err
	}
	*j = out
	return nil
}
