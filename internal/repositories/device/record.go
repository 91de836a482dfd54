package device

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// Record is a device row keyed by stored column name. All database values
// are text; annotations added by the query surface may be bools.
type Record map[string]any

// StringifyValue converts a decoded JSON value to the text stored in the
// device tables. Nested structures are kept as compact JSON strings.
func StringifyValue(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case json.Number:
		return v.String(), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode value: %w", err)
		}
		return string(encoded), nil
	}
}

// scanRecords drains rows into Records, converting driver bytes to strings
// and NULLs to empty strings.
func scanRecords(rows *sqlx.Rows) ([]Record, error) {
	defer rows.Close()

	var records []Record
	for rows.Next() {
		raw := map[string]any{}
		if err := rows.MapScan(raw); err != nil {
			return nil, err
		}

		record := make(Record, len(raw))
		for column, value := range raw {
			switch v := value.(type) {
			case nil:
				record[column] = ""
			case []byte:
				record[column] = string(v)
			case bool:
				record[column] = v
			default:
				record[column] = fmt.Sprintf("%v", v)
			}
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// getString reads a string field from a record, tolerating missing keys.
func getString(record Record, key string) string {
	value, ok := record[key]
	if !ok {
		return ""
	}
	s, ok := value.(string)
	if !ok {
		return ""
	}
	return s
}
