package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/pkg/errors"
)

// Result is the transport-ready form of a result set. Cells hold only
// JSON-safe values: nil, bool, int64, float64 or string.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// ScanResult drains rows into a Result, converting driver values into
// JSON-safe cells. The caller still owns closing rows.
func ScanResult(rows *sql.Rows) (*Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "reading columns")
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.Wrap(err, "reading column types")
	}
	dbTypes := make([]string, len(types))
	for i, t := range types {
		dbTypes[i] = strings.ToUpper(t.DatabaseTypeName())
	}

	result := &Result{Columns: columns, Rows: [][]any{}}
	raw := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "scanning row")
		}
		out := make([]any, len(columns))
		for i, v := range raw {
			out[i] = jsonCell(v, dbTypes[i])
		}
		result.Rows = append(result.Rows, out)
	}
	return result, errors.Wrap(rows.Err(), "iterating rows")
}

func isDecimalType(dbType string) bool {
	switch dbType {
	case "DECIMAL", "NUMERIC", "NUMBER", "MONEY", "SMALLMONEY":
		return true
	}
	return false
}

func jsonCell(v any, dbType string) any {
	switch value := v.(type) {
	case nil:
		return nil
	case bool, int64, float64:
		return value
	case int:
		return int64(value)
	case int32:
		return int64(value)
	case float32:
		return float64(value)
	case time.Time:
		return formatTime(value)
	case []byte:
		if isDecimalType(dbType) {
			return decimalCell(string(value))
		}
		return string(value)
	case string:
		if isDecimalType(dbType) {
			return decimalCell(value)
		}
		return value
	default:
		return fmt.Sprintf("%v", value)
	}
}

// decimalCell keeps exact decimals exact: values within float64's 15 safe
// significant digits become numbers, anything wider stays a canonical
// string rather than silently losing precision.
func decimalCell(s string) any {
	dec, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return s
	}
	digits := dec.NumDigits()
	if dec.Exponent > 0 {
		digits += int64(dec.Exponent)
	}
	if digits <= 15 {
		if f, err := dec.Float64(); err == nil {
			return f
		}
	}
	return dec.Text('f')
}

func formatTime(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}
