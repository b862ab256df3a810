package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferColumnsFromTypedSample(t *testing.T) {
	sample := [][]any{
		{int64(1), "alice", 9.5, true, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)},
		{int64(2), "bob", 3.25, false, time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC)},
	}
	cols := InferColumns([]string{"id", "name", "score", "active", "day"}, sample)
	require.Len(t, cols, 5)
	assert.Equal(t, TypeBigint, cols[0].Type)
	assert.Equal(t, TypeVarchar, cols[1].Type)
	assert.Equal(t, TypeDouble, cols[2].Type)
	assert.Equal(t, TypeBoolean, cols[3].Type)
	assert.Equal(t, TypeDate, cols[4].Type)
}

func TestInferColumnsWidening(t *testing.T) {
	sample := [][]any{
		{int64(1), time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)},
		{2.5, time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)},
	}
	cols := InferColumns([]string{"n", "ts"}, sample)
	assert.Equal(t, TypeDouble, cols[0].Type)
	assert.Equal(t, TypeTimestamp, cols[1].Type)
}

func TestInferColumnsMixedCollapsesToVarchar(t *testing.T) {
	sample := [][]any{{int64(1)}, {"oops"}}
	cols := InferColumns([]string{"v"}, sample)
	assert.Equal(t, TypeVarchar, cols[0].Type)
}

func TestInferColumnsAllNullsFallBack(t *testing.T) {
	sample := [][]any{{nil}, {nil}}
	cols := InferColumns([]string{"v"}, sample)
	assert.Equal(t, TypeVarchar, cols[0].Type)
}

func TestInferColumnsTextProtocolBytes(t *testing.T) {
	// mysql text protocol hands back bytes for every cell.
	sample := [][]any{
		{[]byte("42"), []byte("19.99"), []byte("2025-03-15"), []byte("2025-03-15T10:30:00Z"), []byte("plain")},
	}
	cols := InferColumns([]string{"n", "price", "d", "ts", "s"}, sample)
	assert.Equal(t, TypeBigint, cols[0].Type)
	assert.Equal(t, TypeDecimal, cols[1].Type)
	assert.Equal(t, TypeDate, cols[2].Type)
	assert.Equal(t, TypeTimestamp, cols[3].Type)
	assert.Equal(t, TypeVarchar, cols[4].Type)
}

func TestInferColumnsStringsStayStrings(t *testing.T) {
	// Numeric-looking strings from JSON or CSV are not coerced, but
	// ISO dates still are.
	sample := [][]any{{"42", "2025-03-15"}}
	cols := InferColumns([]string{"code", "day"}, sample)
	assert.Equal(t, TypeVarchar, cols[0].Type)
	assert.Equal(t, TypeDate, cols[1].Type)
}

func TestParseTemporal(t *testing.T) {
	for _, s := range []string{
		"2025-03-15T10:30:00Z",
		"2025-03-15T10:30:00.123456789Z",
		"2025-03-15 10:30:00",
		"2025-03-15",
	} {
		_, ok := ParseTemporal(s)
		assert.True(t, ok, s)
	}
	_, ok := ParseTemporal("not a time")
	assert.False(t, ok)
}

func TestCreateTableSQL(t *testing.T) {
	sql := CreateTableSQL("orders", []ColumnSpec{
		{Name: "id", Type: TypeBigint},
		{Name: "amount", Type: TypeDecimal},
	})
	assert.Equal(t, `CREATE TABLE "orders" ("id" BIGINT, "amount" DECIMAL(38,9))`, sql)
}

func TestAddColumnSQL(t *testing.T) {
	sql := AddColumnSQL("orders", ColumnSpec{Name: "note", Type: TypeVarchar})
	assert.Equal(t, `ALTER TABLE "orders" ADD COLUMN "note" VARCHAR`, sql)
}

func TestInsertChunkSQL(t *testing.T) {
	sql := InsertChunkSQL("orders", []string{"id", "name"}, 2)
	assert.Equal(t, `INSERT INTO "orders" ("id", "name") VALUES (?, ?), (?, ?)`, sql)
}
