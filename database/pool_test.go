package database_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetql/facetql/database"
	_ "github.com/facetql/facetql/database/sqlite3"
	"github.com/facetql/facetql/testutil"
)

func TestPoolReusesEngineForEquivalentDSNs(t *testing.T) {
	pool := database.NewPool()
	defer pool.DisposeAll()
	ctx := context.Background()

	a, err := pool.Get(ctx, database.DialectSQLite, ":memory:")
	require.NoError(t, err)
	b, err := pool.Get(ctx, database.DialectSQLite, ":memory:")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, pool.Len())
}

func TestPoolAppliesPoolParams(t *testing.T) {
	database.RegisterOpener(database.DialectMSSQL, func(dsn string) (*sql.DB, error) {
		return testutil.OpenStubDB(nil).DB, nil
	})

	pool := database.NewPool()
	defer pool.DisposeAll()

	engine, err := pool.Get(context.Background(), database.DialectMSSQL,
		"sqlserver://sa:pw@host:1433?database=dw&poolSize=2&maxOverflow=3")
	require.NoError(t, err)

	assert.Equal(t, 2, engine.Params.Size)
	assert.Equal(t, 3, engine.Params.MaxOverflow)
	assert.Equal(t, 5, engine.DB.Stats().MaxOpenConnections)
	assert.NotContains(t, engine.DSN, "poolSize")
}

func TestPoolDisposeByDSN(t *testing.T) {
	pool := database.NewPool()
	defer pool.DisposeAll()
	ctx := context.Background()

	a, err := pool.Get(ctx, database.DialectSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, pool.DisposeByDSN(database.DialectSQLite, ":memory:"))
	assert.Equal(t, 0, pool.Len())

	b, err := pool.Get(ctx, database.DialectSQLite, ":memory:")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestPoolDisposeAll(t *testing.T) {
	pool := database.NewPool()
	ctx := context.Background()

	_, err := pool.Get(ctx, database.DialectSQLite, ":memory:")
	require.NoError(t, err)
	_, err = pool.Get(ctx, database.DialectSQLite, "file:other.db?mode=memory")
	require.NoError(t, err)
	require.Equal(t, 2, pool.Len())

	pool.DisposeAll()
	assert.Equal(t, 0, pool.Len())
}

func TestPoolDisposeIgnoresStaleEngine(t *testing.T) {
	pool := database.NewPool()
	defer pool.DisposeAll()
	ctx := context.Background()

	stale, err := pool.Get(ctx, database.DialectSQLite, ":memory:")
	require.NoError(t, err)
	pool.Dispose(stale)

	fresh, err := pool.Get(ctx, database.DialectSQLite, ":memory:")
	require.NoError(t, err)

	// Disposing the stale engine again must not evict the fresh one.
	pool.Dispose(stale)
	assert.Equal(t, 1, pool.Len())

	again, err := pool.Get(ctx, database.DialectSQLite, ":memory:")
	require.NoError(t, err)
	assert.Same(t, fresh, again)
}
