package sync

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/facetql/facetql/database"
)

func openMem(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedOrders(t *testing.T, db *sql.DB, from, to int) {
	t.Helper()
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS orders (id INTEGER, status TEXT, amount REAL)`)
	require.NoError(t, err)
	for i := from; i <= to; i++ {
		_, err := db.Exec(`INSERT INTO orders (id, status, amount) VALUES (?, ?, ?)`,
			i, fmt.Sprintf("status-%d", i%3), float64(i)/10)
		require.NoError(t, err)
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+database.QuoteDest(table)).Scan(&n))
	return n
}

func TestRunSequenceWatermarkAdvance(t *testing.T) {
	src, dst := openMem(t), openMem(t)
	seedOrders(t, src, 1001, 1010)

	job := SequenceJob{
		Source:         Source{DB: src, Dialect: database.DialectSQLite, Table: "orders"},
		Dest:           Dest{DB: dst, Table: "orders"},
		SequenceColumn: "id",
		PKColumns:      []string{"id"},
		BatchSize:      4,
		MaxBatches:     10,
	}

	res, err := RunSequence(context.Background(), job, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.RowCount)
	assert.Equal(t, "1010", res.LastSequence)
	assert.False(t, res.Aborted)
	assert.Equal(t, 10, countRows(t, dst, "orders"))

	// A new source row past the watermark is picked up alone.
	seedOrders(t, src, 1011, 1011)
	job.LastSequence = res.LastSequence
	res, err = RunSequence(context.Background(), job, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowCount)
	assert.Equal(t, "1011", res.LastSequence)
	assert.Equal(t, 11, countRows(t, dst, "orders"))

	// Unchanged source: no rows, watermark keeps its value.
	job.LastSequence = res.LastSequence
	res, err = RunSequence(context.Background(), job, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RowCount)
	assert.Equal(t, "1011", res.LastSequence)
}

func TestRunSequenceUpsertsByPK(t *testing.T) {
	src, dst := openMem(t), openMem(t)
	seedOrders(t, src, 1, 10)

	job := SequenceJob{
		Source:         Source{DB: src, Dialect: database.DialectSQLite, Table: "orders"},
		Dest:           Dest{DB: dst, Table: "orders"},
		SequenceColumn: "id",
		PKColumns:      []string{"id"},
		BatchSize:      100,
	}
	_, err := RunSequence(context.Background(), job, Callbacks{})
	require.NoError(t, err)

	// Re-running from an older watermark must not duplicate rows.
	job.LastSequence = "4"
	res, err := RunSequence(context.Background(), job, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.RowCount)
	assert.Equal(t, 10, countRows(t, dst, "orders"))
}

func TestRunSequenceAbortKeepsPartialProgress(t *testing.T) {
	src, dst := openMem(t), openMem(t)
	seedOrders(t, src, 1, 10)

	calls := 0
	cb := Callbacks{ShouldAbort: func() bool {
		calls++
		return calls >= 3 // first batch completes, second never starts
	}}
	job := SequenceJob{
		Source:         Source{DB: src, Dialect: database.DialectSQLite, Table: "orders"},
		Dest:           Dest{DB: dst, Table: "orders"},
		SequenceColumn: "id",
		PKColumns:      []string{"id"},
		BatchSize:      4,
	}
	res, err := RunSequence(context.Background(), job, cb)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, int64(4), res.RowCount)
	assert.Equal(t, "4", res.LastSequence)
	assert.Equal(t, 4, countRows(t, dst, "orders"))
}

func TestRunSequenceAddsMissingColumns(t *testing.T) {
	src, dst := openMem(t), openMem(t)
	seedOrders(t, src, 1, 3)

	narrow := SequenceJob{
		Source: Source{
			DB: src, Dialect: database.DialectSQLite, Table: "orders",
			SelectColumns: []string{"id", "status"},
		},
		Dest:           Dest{DB: dst, Table: "orders"},
		SequenceColumn: "id",
		PKColumns:      []string{"id"},
	}
	_, err := RunSequence(context.Background(), narrow, Callbacks{})
	require.NoError(t, err)

	// The next run copies a wider column set; amount gets added.
	wide := narrow
	wide.Source.SelectColumns = nil
	wide.LastSequence = "0"
	_, err = RunSequence(context.Background(), wide, Callbacks{})
	require.NoError(t, err)

	cols, err := database.DestColumns(context.Background(), dst, "orders")
	require.NoError(t, err)
	assert.Contains(t, cols, "amount")
}

func TestRunSequenceWithCustomQuery(t *testing.T) {
	src, dst := openMem(t), openMem(t)
	seedOrders(t, src, 1, 10)

	job := SequenceJob{
		Source: Source{
			DB: src, Dialect: database.DialectSQLite,
			CustomQuery: "SELECT id, status FROM orders WHERE id <= 5;",
		},
		Dest:           Dest{DB: dst, Table: "recent_orders"},
		SequenceColumn: "id",
		PKColumns:      []string{"id"},
	}
	res, err := RunSequence(context.Background(), job, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.RowCount)
	assert.Equal(t, "5", res.LastSequence)
}

func TestRunSequenceRequiresSequenceColumn(t *testing.T) {
	_, err := RunSequence(context.Background(), SequenceJob{}, Callbacks{})
	assert.Error(t, err)
}

func TestRunSnapshotReplacesDestination(t *testing.T) {
	src, dst := openMem(t), openMem(t)
	seedOrders(t, src, 1, 5)

	// Pre-existing destination content must be fully replaced.
	_, err := dst.Exec(`CREATE TABLE orders (id INTEGER, stale TEXT)`)
	require.NoError(t, err)
	_, err = dst.Exec(`INSERT INTO orders VALUES (999, 'old')`)
	require.NoError(t, err)

	var ticks [][2]int64
	cb := Callbacks{OnProgress: func(cur, total int64) {
		ticks = append(ticks, [2]int64{cur, total})
	}}
	job := SnapshotJob{
		Source:    Source{DB: src, Dialect: database.DialectSQLite, Table: "orders"},
		Dest:      Dest{DB: dst, Table: "orders"},
		BatchSize: 2,
	}
	res, err := RunSnapshot(context.Background(), job, cb)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.RowCount)
	assert.Equal(t, 5, countRows(t, dst, "orders"))
	assert.False(t, database.DestTableExists(context.Background(), dst, "stg_orders"))

	require.NotEmpty(t, ticks)
	assert.Equal(t, [2]int64{0, 5}, ticks[0])
	assert.Equal(t, [2]int64{5, 5}, ticks[len(ticks)-1])

	var stale int
	require.NoError(t, dst.QueryRow(`SELECT COUNT(*) FROM orders WHERE id = 999`).Scan(&stale))
	assert.Zero(t, stale)
}

func TestRunSnapshotAbortLeavesDestinationUntouched(t *testing.T) {
	src, dst := openMem(t), openMem(t)
	seedOrders(t, src, 1, 10)

	_, err := dst.Exec(`CREATE TABLE orders (id INTEGER)`)
	require.NoError(t, err)
	_, err = dst.Exec(`INSERT INTO orders VALUES (42)`)
	require.NoError(t, err)

	calls := 0
	cb := Callbacks{ShouldAbort: func() bool {
		calls++
		return calls >= 3
	}}
	job := SnapshotJob{
		Source:    Source{DB: src, Dialect: database.DialectSQLite, Table: "orders"},
		Dest:      Dest{DB: dst, Table: "orders"},
		BatchSize: 3,
	}
	res, err := RunSnapshot(context.Background(), job, cb)
	require.NoError(t, err)
	assert.True(t, res.Aborted)

	assert.Equal(t, 1, countRows(t, dst, "orders"))
	assert.False(t, database.DestTableExists(context.Background(), dst, "stg_orders"))
}

func TestSequenceBatchSQLDialects(t *testing.T) {
	job := SequenceJob{
		Source:         Source{Dialect: database.DialectPostgres, Schema: "public", Table: "orders"},
		SequenceColumn: "id",
		BatchSize:      100,
	}
	query, args := sequenceBatchSQL(job, "50")
	assert.Equal(t,
		`SELECT * FROM "public"."orders" WHERE "id" > $1 ORDER BY "id" LIMIT 100`, query)
	require.Len(t, args, 1)
	assert.Equal(t, int64(50), args[0])

	job.Source.Dialect = database.DialectMSSQL
	query, _ = sequenceBatchSQL(job, "50")
	assert.Equal(t,
		`SELECT * FROM [public].[orders] WHERE [id] > @p1 ORDER BY [id] OFFSET 0 ROWS FETCH NEXT 100 ROWS ONLY`, query)

	query, args = sequenceBatchSQL(job, "")
	assert.NotContains(t, query, "WHERE")
	assert.Empty(t, args)
}

func TestWatermarkValueTyping(t *testing.T) {
	assert.Equal(t, int64(1010), watermarkValue("1010"))
	assert.Equal(t, 10.5, watermarkValue("10.5"))
	if _, ok := watermarkValue("2025-03-15T10:00:00Z").(string); ok {
		t.Fatal("timestamps should bind typed")
	}
	assert.Equal(t, "abc", watermarkValue("abc"))
}
