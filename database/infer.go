package database

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ColumnType is a destination column type in the embedded store. The
// values double as the DDL spelling.
type ColumnType string

const (
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeBigint    ColumnType = "BIGINT"
	TypeDouble    ColumnType = "DOUBLE"
	TypeDecimal   ColumnType = "DECIMAL(38,9)"
	TypeTimestamp ColumnType = "TIMESTAMP"
	TypeDate      ColumnType = "DATE"
	TypeVarchar   ColumnType = "VARCHAR"
)

// ColumnSpec names one destination column and its inferred type.
type ColumnSpec struct {
	Name string
	Type ColumnType
}

// InferColumns derives destination column types from a sample of scanned
// rows. Nulls are skipped; columns that never carry a value fall back to
// VARCHAR. Mixed numeric cells widen (BIGINT < DOUBLE < DECIMAL), date
// cells widen to TIMESTAMP, anything else mixed collapses to VARCHAR.
func InferColumns(names []string, sample [][]any) []ColumnSpec {
	cols := make([]ColumnSpec, len(names))
	for i, name := range names {
		var t ColumnType
		for _, row := range sample {
			if i >= len(row) {
				continue
			}
			t = mergeColumnTypes(t, inferCell(row[i]))
		}
		if t == "" {
			t = TypeVarchar
		}
		cols[i] = ColumnSpec{Name: name, Type: t}
	}
	return cols
}

func inferCell(v any) ColumnType {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		return TypeBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeBigint
	case float32, float64:
		return TypeDouble
	case time.Time:
		if midnight(x) {
			return TypeDate
		}
		return TypeTimestamp
	case []byte:
		// mysql's text protocol returns every cell as bytes, so numeric
		// shapes are recognized here but not for ordinary strings.
		return inferText(string(x), true)
	case string:
		return inferText(x, false)
	default:
		return TypeVarchar
	}
}

func inferText(s string, numeric bool) ColumnType {
	s = strings.TrimSpace(s)
	if s == "" {
		return TypeVarchar
	}
	if isDateOnly(s) {
		return TypeDate
	}
	if _, ok := ParseTemporal(s); ok {
		return TypeTimestamp
	}
	if numeric {
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return TypeBigint
		}
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return TypeDecimal
		}
	}
	return TypeVarchar
}

func mergeColumnTypes(a, b ColumnType) ColumnType {
	if a == "" {
		return b
	}
	if b == "" || a == b {
		return a
	}
	if numericColumn(a) && numericColumn(b) {
		if a == TypeDecimal || b == TypeDecimal {
			return TypeDecimal
		}
		return TypeDouble
	}
	if temporalColumn(a) && temporalColumn(b) {
		return TypeTimestamp
	}
	return TypeVarchar
}

func numericColumn(t ColumnType) bool {
	return t == TypeBigint || t == TypeDouble || t == TypeDecimal
}

func temporalColumn(t ColumnType) bool {
	return t == TypeDate || t == TypeTimestamp
}

func midnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

func isDateOnly(s string) bool {
	if len(s) != 10 {
		return false
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

var temporalLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTemporal parses the ISO-ish timestamp spellings the source engines
// and upstream APIs emit.
func ParseTemporal(s string) (time.Time, bool) {
	for _, layout := range temporalLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// QuoteDest quotes an identifier for the embedded destination engines,
// which share the double-quote convention.
func QuoteDest(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateTableSQL builds the destination DDL for an inferred column set.
func CreateTableSQL(table string, cols []ColumnSpec) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = QuoteDest(c.Name) + " " + string(c.Type)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", QuoteDest(table), strings.Join(parts, ", "))
}

// AddColumnSQL builds the ALTER adding one missing destination column.
func AddColumnSQL(table string, col ColumnSpec) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		QuoteDest(table), QuoteDest(col.Name), string(col.Type))
}

// InsertChunkSQL builds a multi-row VALUES insert for rowCount rows.
func InsertChunkSQL(table string, cols []string, rowCount int) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = QuoteDest(c)
	}
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	rows := make([]string, rowCount)
	for i := range rows {
		rows[i] = row
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		QuoteDest(table), strings.Join(quoted, ", "), strings.Join(rows, ", "))
}

// DB combines the read and write sides; *sql.DB satisfies it.
type DB interface {
	Querier
	Execer
}

// MaxBindParams keeps chunked destination statements under the bind
// limits of the embedded engines.
const MaxBindParams = 8000

// DestTableExists probes whether a destination table is queryable.
func DestTableExists(ctx context.Context, db Querier, table string) bool {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+QuoteDest(table)+" WHERE 1=0")
	if err != nil {
		return false
	}
	rows.Close()
	return true
}

// DestColumns returns a destination table's column names via a zero-row
// probe.
func DestColumns(ctx context.Context, db Querier, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+QuoteDest(table)+" WHERE 1=0")
	if err != nil {
		return nil, errors.Wrapf(err, "probing destination %s", table)
	}
	defer rows.Close()
	return rows.Columns()
}

// EnsureDestColumns adds incoming columns the destination is missing.
// Existing columns keep their types.
func EnsureDestColumns(ctx context.Context, db DB, table string, cols []string, sample [][]any) error {
	have, err := DestColumns(ctx, db, table)
	if err != nil {
		return err
	}
	haveSet := make(map[string]bool, len(have))
	for _, c := range have {
		haveSet[strings.ToLower(c)] = true
	}
	for _, spec := range InferColumns(cols, sample) {
		if haveSet[strings.ToLower(spec.Name)] {
			continue
		}
		if _, err := db.ExecContext(ctx, AddColumnSQL(table, spec)); err != nil {
			return errors.Wrapf(err, "adding column %s to %s", spec.Name, table)
		}
	}
	return nil
}

// InsertDestRows writes rows through chunked multi-row inserts.
func InsertDestRows(ctx context.Context, db Execer, table string, cols []string, rows [][]any) error {
	if len(rows) == 0 || len(cols) == 0 {
		return nil
	}
	chunk := max(1, MaxBindParams/len(cols))
	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		args := make([]any, 0, (end-start)*len(cols))
		for _, row := range rows[start:end] {
			args = append(args, row...)
		}
		if _, err := db.ExecContext(ctx, InsertChunkSQL(table, cols, end-start), args...); err != nil {
			return errors.Wrapf(err, "inserting into %s", table)
		}
	}
	return nil
}
