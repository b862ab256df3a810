package facetql

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/database"
	"github.com/facetql/facetql/store"
)

// seedRemoteOrders creates a file-backed sqlite source with n orders rows,
// reachable through the engine pool as a sqlite3 datasource.
func seedRemoteOrders(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE orders (id INTEGER, status TEXT)`)
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err = db.Exec(`INSERT INTO orders VALUES (?, ?)`, i, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}
	return path
}

func seedSyncFixture(t *testing.T, s *Service, n int) {
	t.Helper()
	src := seedRemoteOrders(t, n)
	seedServiceDatasource(t, s, &store.Datasource{
		ID: "ds1", Name: "orders source", Kind: "sqlite3", DSN: src, Active: true,
	})
	require.NoError(t, s.store.PutTask(context.Background(), &store.SyncTask{
		ID:             "t1",
		DatasourceID:   "ds1",
		SourceTable:    "orders",
		DestTable:      "orders",
		Mode:           store.ModeSequence,
		PKColumns:      store.JSONStrings{"id"},
		SequenceColumn: "id",
		BatchSize:      100,
		Enabled:        true,
	}))
}

func TestSyncRunThroughService(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSyncFixture(t, s, 5)

	out, err := s.SyncRun(ctx, &SyncRunRequest{DatasourceID: "ds1", Actor: "alice"})
	require.NoError(t, err)
	assert.False(t, out.Background)
	require.Len(t, out.Outcomes, 1)
	assert.Empty(t, out.Outcomes[0].Error)
	assert.EqualValues(t, 5, out.Outcomes[0].RowCount)

	// Synced rows are queryable on the embedded store.
	res, err := s.Query(ctx, &QueryRequest{SQL: `SELECT COUNT(*) AS n FROM orders`, Actor: "alice"})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 5, res.Rows[0][0])

	statuses, err := s.SyncStatus(ctx, "ds1", "alice")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.NotNil(t, statuses[0].State)
	assert.False(t, statuses[0].State.InProgress)
	assert.Equal(t, "5", statuses[0].State.LastSequenceValue.String)

	runs, err := s.SyncLogs(ctx, "ds1", "alice", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.EqualValues(t, 5, runs[0].RowCount)
}

func TestSyncRunBackground(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSyncFixture(t, s, 3)

	// Authorization failures surface before the run detaches.
	_, err := s.SyncRun(ctx, &SyncRunRequest{DatasourceID: "missing", Background: true, Actor: "alice"})
	assert.True(t, apperr.Is(err, apperr.NotFound))

	out, err := s.SyncRun(ctx, &SyncRunRequest{DatasourceID: "ds1", Background: true, Actor: "alice"})
	require.NoError(t, err)
	assert.True(t, out.Background)
	assert.Empty(t, out.Outcomes)

	s.bg.Wait()
	ok := database.DestTableExists(ctx, s.duck.DB(), "orders")
	assert.True(t, ok)
}

func TestSyncAbortIdleTask(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSyncFixture(t, s, 3)

	_, err := s.SyncAbort(ctx, "ds1", "t1", "alice")
	assert.True(t, apperr.Is(err, apperr.Conflict))

	flagged, err := s.SyncAbort(ctx, "ds1", "", "alice")
	require.NoError(t, err)
	assert.Empty(t, flagged)
}

func TestSyncResetStuckThroughService(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSyncFixture(t, s, 3)

	_, err := s.store.EnsureState(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, s.store.MarkRunning(ctx, "t1", time.Now().UTC().Add(-2*time.Hour)))

	n, err := s.SyncResetStuck(ctx, "ds1", "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	state, err := s.store.State(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, state.InProgress)
}

func TestSyncFlushThroughService(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSyncFixture(t, s, 4)

	_, err := s.SyncRun(ctx, &SyncRunRequest{DatasourceID: "ds1", Actor: "alice"})
	require.NoError(t, err)
	ok := database.DestTableExists(ctx, s.duck.DB(), "orders")
	require.True(t, ok)

	require.NoError(t, s.SyncFlush(ctx, "ds1", "t1", "alice"))

	ok = database.DestTableExists(ctx, s.duck.DB(), "orders")
	assert.False(t, ok)
	state, err := s.store.State(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, state.LastSequenceValue.Valid)
}

func TestDisposeEngine(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSyncFixture(t, s, 2)
	seedServiceDatasource(t, s, &store.Datasource{
		ID: "embed", Name: "embedded", Kind: "duckdb", Active: true,
	})

	_, err := s.Query(ctx, &QueryRequest{SQL: "SELECT COUNT(*) FROM orders", DatasourceID: "ds1", Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.pool.Len())

	require.NoError(t, s.DisposeEngine(ctx, "ds1", "alice"))
	assert.Equal(t, 0, s.pool.Len())

	// Embedded datasources have nothing pooled; disposing is a no-op.
	require.NoError(t, s.DisposeEngine(ctx, "embed", "alice"))

	// A fresh statement dials a fresh engine; the cached result of the
	// first one would not.
	_, err = s.Query(ctx, &QueryRequest{SQL: "SELECT MAX(id) FROM orders", DatasourceID: "ds1", Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.pool.Len())
	s.DisposeAllEngines()
	assert.Equal(t, 0, s.pool.Len())
}
