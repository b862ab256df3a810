package executor_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/database"
	"github.com/facetql/facetql/database/duckdb"
	"github.com/facetql/facetql/executor"
	"github.com/facetql/facetql/testutil"
)

func TestPaginate(t *testing.T) {
	tests := []struct {
		name    string
		dialect database.Dialect
		inner   string
		limit   int
		offset  int
		want    string
	}{
		{
			name:    "limit only",
			dialect: database.DialectDuckDB,
			inner:   "SELECT * FROM t",
			limit:   100,
			want:    "SELECT * FROM (SELECT * FROM t) AS _q LIMIT 100",
		},
		{
			name:    "limit and offset",
			dialect: database.DialectPostgres,
			inner:   "SELECT * FROM t",
			limit:   100,
			offset:  50,
			want:    "SELECT * FROM (SELECT * FROM t) AS _q LIMIT 100 OFFSET 50",
		},
		{
			name:    "mssql without order by rewraps",
			dialect: database.DialectMSSQL,
			inner:   "SELECT * FROM t",
			limit:   100,
			want:    "SELECT * FROM (SELECT * FROM t) AS _q ORDER BY (SELECT 1) OFFSET 0 ROWS FETCH NEXT 100 ROWS ONLY",
		},
		{
			name:    "mssql with order by appends the page clause",
			dialect: database.DialectMSSQL,
			inner:   "SELECT [a] FROM t ORDER BY [a]",
			limit:   100,
			offset:  50,
			want:    "SELECT [a] FROM t ORDER BY [a] OFFSET 50 ROWS FETCH NEXT 100 ROWS ONLY",
		},
		{
			name:    "mssql nested order by still rewraps",
			dialect: database.DialectMSSQL,
			inner:   "SELECT * FROM (SELECT a FROM t ORDER BY a) AS s",
			limit:   10,
			want:    "SELECT * FROM (SELECT * FROM (SELECT a FROM t ORDER BY a) AS s) AS _q ORDER BY (SELECT 1) OFFSET 0 ROWS FETCH NEXT 10 ROWS ONLY",
		},
		{
			name:    "mssql order by inside a literal is not an order by",
			dialect: database.DialectMSSQL,
			inner:   "SELECT 'order by' AS c FROM t",
			limit:   10,
			want:    "SELECT * FROM (SELECT 'order by' AS c FROM t) AS _q ORDER BY (SELECT 1) OFFSET 0 ROWS FETCH NEXT 10 ROWS ONLY",
		},
		{
			name:    "mssql bracket-quoted identifier is not an order by",
			dialect: database.DialectMSSQL,
			inner:   "SELECT [order] FROM t",
			limit:   10,
			want:    "SELECT * FROM (SELECT [order] FROM t) AS _q ORDER BY (SELECT 1) OFFSET 0 ROWS FETCH NEXT 10 ROWS ONLY",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, executor.Paginate(tt.dialect, tt.inner, tt.limit, tt.offset))
		})
	}
}

func TestCountSQL(t *testing.T) {
	assert.Equal(t,
		`SELECT COUNT(*) FROM (SELECT a FROM t) AS _q`,
		executor.CountSQL(database.DialectPostgres, "SELECT a FROM t"))

	// The trailing ORDER BY and anything after it are dropped.
	assert.Equal(t,
		`SELECT COUNT(*) FROM (SELECT a FROM t) AS _q`,
		executor.CountSQL(database.DialectMSSQL, "SELECT a FROM t order by a"))
	assert.Equal(t,
		`SELECT COUNT(*) FROM (SELECT a FROM t) AS _q`,
		executor.CountSQL(database.DialectDuckDB, "SELECT a FROM t ORDER BY a LIMIT 10"))

	// A nested ORDER BY is part of the subquery and survives.
	assert.Equal(t,
		`SELECT COUNT(*) FROM (SELECT * FROM (SELECT a FROM t ORDER BY a) AS s) AS _q`,
		executor.CountSQL(database.DialectMSSQL, "SELECT * FROM (SELECT a FROM t ORDER BY a) AS s"))
}

func ptrBool(b bool) *bool { return &b }

func newTestGate() *executor.Gate {
	return executor.NewGate(executor.GateOptions{RatePerSec: 1000, Burst: 1000})
}

func newTestRouter(duck *duckdb.Handle, gate *executor.Gate) *executor.Router {
	if gate == nil {
		gate = newTestGate()
	}
	return executor.NewRouter(database.NewPool(), duck, executor.NewResultCache(time.Minute, nil), gate, executor.RouterOptions{})
}

func TestRouterRoute(t *testing.T) {
	ctx := context.Background()

	t.Run("embedded kinds go local", func(t *testing.T) {
		router := newTestRouter(nil, nil)
		for _, kind := range []string{"duckdb", "api"} {
			route, err := router.Route(ctx, executor.RouteInput{Kind: kind})
			require.NoError(t, err)
			assert.True(t, route.Local)
			assert.Equal(t, database.DialectDuckDB, route.Dialect)
		}
	})

	t.Run("remote kind routes to the pool", func(t *testing.T) {
		router := newTestRouter(nil, nil)
		route, err := router.Route(ctx, executor.RouteInput{Kind: "postgres", DSN: "host=db dbname=dw"})
		require.NoError(t, err)
		assert.False(t, route.Local)
		assert.Equal(t, database.DialectPostgres, route.Dialect)
		assert.Equal(t, "host=db dbname=dw", route.DSN)
	})

	t.Run("unknown kind is a bad request", func(t *testing.T) {
		router := newTestRouter(nil, nil)
		_, err := router.Route(ctx, executor.RouteInput{Kind: "oracle"})
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.BadRequest))
	})

	t.Run("prefer local routes to embedded when the table exists", func(t *testing.T) {
		stub := testutil.OpenStubDB(func(query string, args []driver.Value) (*testutil.StubResult, error) {
			return testutil.SingleValue("count", int64(1)), nil
		})
		router := newTestRouter(duckdb.NewWithDB(stub.DB, "analytics.duckdb"), nil)

		route, err := router.Route(ctx, executor.RouteInput{
			Kind: "postgres", DSN: "host=db", PreferLocalSpec: ptrBool(true), LocalTable: "orders",
		})
		require.NoError(t, err)
		assert.True(t, route.Local)
		assert.Equal(t, database.DialectDuckDB, route.Dialect)
	})

	t.Run("prefer local stays remote when the table is missing", func(t *testing.T) {
		stub := testutil.OpenStubDB(func(query string, args []driver.Value) (*testutil.StubResult, error) {
			return testutil.SingleValue("count", int64(0)), nil
		})
		router := newTestRouter(duckdb.NewWithDB(stub.DB, "analytics.duckdb"), nil)

		route, err := router.Route(ctx, executor.RouteInput{
			Kind: "postgres", DSN: "host=db", PreferLocalSpec: ptrBool(true), LocalTable: "orders",
		})
		require.NoError(t, err)
		assert.False(t, route.Local)
	})

	t.Run("request preference overrides the spec", func(t *testing.T) {
		stub := testutil.OpenStubDB(func(query string, args []driver.Value) (*testutil.StubResult, error) {
			return testutil.SingleValue("count", int64(1)), nil
		})
		router := newTestRouter(duckdb.NewWithDB(stub.DB, "analytics.duckdb"), nil)

		route, err := router.Route(ctx, executor.RouteInput{
			Kind: "postgres", DSN: "host=db",
			PreferLocalRequest: ptrBool(false), PreferLocalSpec: ptrBool(true), LocalTable: "orders",
		})
		require.NoError(t, err)
		assert.False(t, route.Local)
		assert.Empty(t, stub.Statements())
	})
}

func localRoute() executor.Route {
	return executor.Route{Dialect: database.DialectDuckDB, Local: true}
}

func TestRouterExecuteLocal(t *testing.T) {
	stub := testutil.OpenStubDB(func(query string, args []driver.Value) (*testutil.StubResult, error) {
		return &testutil.StubResult{
			Columns: []string{"x", "value"},
			Rows:    [][]driver.Value{{"a", int64(3)}, {"b", int64(5)}},
		}, nil
	})
	router := newTestRouter(duckdb.NewWithDB(stub.DB, "analytics.duckdb"), nil)

	result, err := router.Execute(context.Background(), localRoute(), executor.Request{
		SQL:   `SELECT "x", "value" FROM "t" ORDER BY 1`,
		Limit: 10,
		Actor: "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "value"}, result.Columns)
	assert.Equal(t, [][]any{{"a", int64(3)}, {"b", int64(5)}}, result.Rows)
	assert.False(t, result.Cached)
	assert.Nil(t, result.TotalRows)

	statements := stub.Statements()
	require.Len(t, statements, 1)
	assert.Equal(t, `SELECT * FROM (SELECT "x", "value" FROM "t" ORDER BY 1) AS _q LIMIT 10`, statements[0])
}

func TestRouterExecuteCachesRepeats(t *testing.T) {
	stub := testutil.OpenStubDB(func(query string, args []driver.Value) (*testutil.StubResult, error) {
		return testutil.SingleValue("x", int64(1)), nil
	})
	router := newTestRouter(duckdb.NewWithDB(stub.DB, "analytics.duckdb"), nil)
	req := executor.Request{SQL: `SELECT "x" FROM "t"`, Limit: 10, Actor: "alice"}

	first, err := router.Execute(context.Background(), localRoute(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := router.Execute(context.Background(), localRoute(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Rows, second.Rows)

	assert.Len(t, stub.Statements(), 1)
}

func TestRouterExecuteClampsLimit(t *testing.T) {
	stub := testutil.OpenStubDB(func(query string, args []driver.Value) (*testutil.StubResult, error) {
		return testutil.SingleValue("x", int64(1)), nil
	})
	router := newTestRouter(duckdb.NewWithDB(stub.DB, "analytics.duckdb"), nil)
	ctx := context.Background()

	_, err := router.Execute(ctx, localRoute(), executor.Request{SQL: "SELECT 1", Limit: 99999, Actor: "a"})
	require.NoError(t, err)
	_, err = router.Execute(ctx, localRoute(), executor.Request{SQL: "SELECT 2", Actor: "a"})
	require.NoError(t, err)
	_, err = router.Execute(ctx, localRoute(), executor.Request{SQL: "SELECT 3", Limit: 50000, NoClamp: true, Actor: "a"})
	require.NoError(t, err)

	statements := stub.Statements()
	require.Len(t, statements, 3)
	assert.Contains(t, statements[0], "LIMIT 10000")
	assert.Contains(t, statements[1], "LIMIT 1000")
	assert.Contains(t, statements[2], "LIMIT 50000")
}

func TestRouterExecuteBindsNamedParams(t *testing.T) {
	var seen []driver.Value
	stub := testutil.OpenStubDB(func(query string, args []driver.Value) (*testutil.StubResult, error) {
		seen = args
		return testutil.SingleValue("x", int64(1)), nil
	})
	router := newTestRouter(duckdb.NewWithDB(stub.DB, "analytics.duckdb"), nil)

	_, err := router.Execute(context.Background(), localRoute(), executor.Request{
		SQL:    `SELECT * FROM "t" WHERE "region" = :w_region AND "status" IN (:w_status)`,
		Params: map[string]any{"w_region": "west", "w_status": []any{"open", "closed"}},
		Limit:  10,
		Actor:  "alice",
	})
	require.NoError(t, err)

	statements := stub.Statements()
	require.Len(t, statements, 1)
	assert.Contains(t, statements[0], `"region" = ?`)
	assert.Contains(t, statements[0], `IN (?, ?)`)
	assert.Equal(t, []driver.Value{"west", "open", "closed"}, seen)
}

func registerStubEngine(t *testing.T, dialect database.Dialect, responder testutil.Responder) *atomic.Int32 {
	t.Helper()
	var opens atomic.Int32
	database.RegisterOpener(dialect, func(dsn string) (*sql.DB, error) {
		opens.Add(1)
		return testutil.OpenStubDB(responder).DB, nil
	})
	return &opens
}

func TestRouterExecuteRemoteSetsSessionTimeout(t *testing.T) {
	var statements []string
	registerStubEngine(t, database.DialectMySQL, func(query string, args []driver.Value) (*testutil.StubResult, error) {
		statements = append(statements, query)
		return testutil.SingleValue("x", int64(1)), nil
	})
	router := newTestRouter(nil, nil)
	route := executor.Route{Dialect: database.DialectMySQL, DSN: "user:pw@tcp(db:3306)/dw"}

	_, err := router.Execute(context.Background(), route, executor.Request{SQL: "SELECT 1", Limit: 10, Actor: "a"})
	require.NoError(t, err)

	require.Len(t, statements, 2)
	assert.Equal(t, "SET SESSION MAX_EXECUTION_TIME = 120000", statements[0])
	assert.Contains(t, statements[1], "LIMIT 10")
}

func TestRouterExecuteIncludeTotal(t *testing.T) {
	var statements []string
	registerStubEngine(t, database.DialectMySQL, func(query string, args []driver.Value) (*testutil.StubResult, error) {
		statements = append(statements, query)
		if strings.Contains(query, "COUNT(*)") {
			return testutil.SingleValue("count", int64(99)), nil
		}
		return testutil.SingleValue("x", int64(1)), nil
	})
	router := newTestRouter(nil, nil)
	route := executor.Route{Dialect: database.DialectMySQL, DSN: "user:pw@tcp(db:3306)/dw"}

	result, err := router.Execute(context.Background(), route, executor.Request{
		SQL: "SELECT x FROM t", Limit: 10, IncludeTotal: true, Actor: "a", DatasourceID: "ds1",
	})
	require.NoError(t, err)

	require.NotNil(t, result.TotalRows)
	assert.Equal(t, int64(99), *result.TotalRows)

	require.Len(t, statements, 4)
	assert.Equal(t, "SET SESSION MAX_EXECUTION_TIME = 120000", statements[0])
	assert.Contains(t, statements[1], "LIMIT 10")
	// Counts run under the shorter leash and without pagination.
	assert.Equal(t, "SET SESSION MAX_EXECUTION_TIME = 30000", statements[2])
	assert.Equal(t, "SELECT COUNT(*) FROM (SELECT x FROM t) AS _q", statements[3])
}

func TestRouterExecuteRetriesOnceOnTransient(t *testing.T) {
	var attempts atomic.Int32
	opens := registerStubEngine(t, database.DialectMySQL, func(query string, args []driver.Value) (*testutil.StubResult, error) {
		if strings.HasPrefix(query, "SET ") {
			return nil, nil
		}
		if attempts.Add(1) == 1 {
			return nil, errors.New("read tcp 10.0.0.5:3306: connection reset by peer")
		}
		return testutil.SingleValue("x", int64(1)), nil
	})
	router := newTestRouter(nil, nil)
	route := executor.Route{Dialect: database.DialectMySQL, DSN: "user:pw@tcp(db:3306)/dw"}

	result, err := router.Execute(context.Background(), route, executor.Request{SQL: "SELECT 1", Limit: 10, Actor: "a"})
	require.NoError(t, err)

	assert.Equal(t, [][]any{{int64(1)}}, result.Rows)
	assert.Equal(t, int32(2), attempts.Load())
	// The engine was disposed and reopened between attempts.
	assert.Equal(t, int32(2), opens.Load())
}

func TestRouterExecuteMapsSecondFailure(t *testing.T) {
	t.Run("login timeout becomes gateway timeout", func(t *testing.T) {
		opens := registerStubEngine(t, database.DialectMySQL, func(query string, args []driver.Value) (*testutil.StubResult, error) {
			if strings.HasPrefix(query, "SET ") {
				return nil, nil
			}
			return nil, errors.New("Login timeout expired")
		})
		router := newTestRouter(nil, nil)
		route := executor.Route{Dialect: database.DialectMySQL, DSN: "user:pw@tcp(db:3306)/dw"}

		_, err := router.Execute(context.Background(), route, executor.Request{SQL: "SELECT 1", Limit: 10, Actor: "a"})
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.GatewayTimeout))
		assert.Equal(t, 504, apperr.StatusOf(err))
		assert.Equal(t, int32(2), opens.Load())
	})

	t.Run("connection lost becomes bad gateway", func(t *testing.T) {
		registerStubEngine(t, database.DialectMySQL, func(query string, args []driver.Value) (*testutil.StubResult, error) {
			if strings.HasPrefix(query, "SET ") {
				return nil, nil
			}
			return nil, errors.New("TCP Provider: error code 0x68 (08S01)")
		})
		router := newTestRouter(nil, nil)
		route := executor.Route{Dialect: database.DialectMySQL, DSN: "user:pw@tcp(db:3306)/dw"}

		_, err := router.Execute(context.Background(), route, executor.Request{SQL: "SELECT 1", Limit: 10, Actor: "a"})
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.BadGateway))
	})
}

func TestRouterExecuteDoesNotRetryPlainErrors(t *testing.T) {
	var attempts atomic.Int32
	opens := registerStubEngine(t, database.DialectMySQL, func(query string, args []driver.Value) (*testutil.StubResult, error) {
		if strings.HasPrefix(query, "SET ") {
			return nil, nil
		}
		attempts.Add(1)
		return nil, errors.New("You have an error in your SQL syntax")
	})
	router := newTestRouter(nil, nil)
	route := executor.Route{Dialect: database.DialectMySQL, DSN: "user:pw@tcp(db:3306)/dw"}

	_, err := router.Execute(context.Background(), route, executor.Request{SQL: "SELEC 1", Limit: 10, Actor: "a"})
	require.Error(t, err)
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, int32(1), opens.Load())
}

func TestRouterExecuteRateLimited(t *testing.T) {
	stub := testutil.OpenStubDB(func(query string, args []driver.Value) (*testutil.StubResult, error) {
		return testutil.SingleValue("x", int64(1)), nil
	})
	gate := executor.NewGate(executor.GateOptions{RatePerSec: 0.01, Burst: 1})
	router := newTestRouter(duckdb.NewWithDB(stub.DB, "analytics.duckdb"), gate)
	ctx := context.Background()

	_, err := router.Execute(ctx, localRoute(), executor.Request{SQL: "SELECT 1", Limit: 10, Actor: "alice"})
	require.NoError(t, err)

	_, err = router.Execute(ctx, localRoute(), executor.Request{SQL: "SELECT 2", Limit: 10, Actor: "alice"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.RateLimited))
	assert.GreaterOrEqual(t, apperr.RetryAfterOf(err), 1)
}

func TestRouterExecuteCacheHitCostsNoToken(t *testing.T) {
	stub := testutil.OpenStubDB(func(query string, args []driver.Value) (*testutil.StubResult, error) {
		return testutil.SingleValue("x", int64(1)), nil
	})
	gate := executor.NewGate(executor.GateOptions{RatePerSec: 0.01, Burst: 1})
	router := newTestRouter(duckdb.NewWithDB(stub.DB, "analytics.duckdb"), gate)
	ctx := context.Background()
	req := executor.Request{SQL: "SELECT 1", Limit: 10, Actor: "alice"}

	_, err := router.Execute(ctx, localRoute(), req)
	require.NoError(t, err)

	// The bucket is exhausted, but a repeat is served from cache.
	result, err := router.Execute(ctx, localRoute(), req)
	require.NoError(t, err)
	assert.True(t, result.Cached)
}
