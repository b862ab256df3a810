package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/database"
	"github.com/facetql/facetql/database/duckdb"
)

const (
	DefaultLimit    = 1000
	DefaultMaxLimit = 10000

	// Engine-side statement timeouts. Counts get a short leash so a slow
	// COUNT(*) cannot double a request's latency.
	DefaultDataTimeout  = 120 * time.Second
	DefaultCountTimeout = 30 * time.Second
)

// RouterOptions tune pagination and statement timeouts.
type RouterOptions struct {
	MaxLimit     int
	DefaultLimit int
	DataTimeout  time.Duration
	CountTimeout time.Duration
}

func (o RouterOptions) withDefaults() RouterOptions {
	if o.MaxLimit <= 0 {
		o.MaxLimit = DefaultMaxLimit
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = DefaultLimit
	}
	if o.DataTimeout <= 0 {
		o.DataTimeout = DefaultDataTimeout
	}
	if o.CountTimeout <= 0 {
		o.CountTimeout = DefaultCountTimeout
	}
	return o
}

// Router decides where a compiled statement runs and drives it through the
// cache and the gate.
type Router struct {
	pool  *database.Pool
	duck  *duckdb.Handle
	cache *ResultCache
	gate  *Gate
	opts  RouterOptions
}

func NewRouter(pool *database.Pool, duck *duckdb.Handle, cache *ResultCache, gate *Gate, opts RouterOptions) *Router {
	return &Router{pool: pool, duck: duck, cache: cache, gate: gate, opts: opts.withDefaults()}
}

// MaxLimit reports the clamp ceiling.
func (r *Router) MaxLimit() int { return r.opts.MaxLimit }

// RouteInput carries everything the routing decision looks at. The two
// preference fields are tri-state: the request-level one wins when set,
// then the spec-level one, then the datasource kind decides.
type RouteInput struct {
	Kind               string
	DSN                string
	PreferLocalRequest *bool
	PreferLocalSpec    *bool
	LocalTable         string
}

// Route is a resolved execution target.
type Route struct {
	Dialect database.Dialect
	Local   bool
	DSN     string
}

// Route resolves where a request executes: the embedded store for embedded
// and API-fed datasources, or for any datasource when the caller prefers
// local and the table has been synced in; otherwise the pooled remote
// engine for the datasource DSN.
func (r *Router) Route(ctx context.Context, in RouteInput) (Route, error) {
	dialect, err := database.DialectForKind(in.Kind)
	if err != nil {
		return Route{}, apperr.Wrap(err, apperr.BadRequest, "unsupported datasource kind %q", in.Kind)
	}
	if dialect == database.DialectDuckDB {
		return Route{Dialect: dialect, Local: true}, nil
	}
	if preferLocal(in.PreferLocalRequest, in.PreferLocalSpec) && in.LocalTable != "" && r.duck != nil {
		ok, err := r.duck.TableExists(ctx, in.LocalTable)
		if err != nil {
			slog.Warn("local table probe failed, routing remote", "table", in.LocalTable, "error", err)
		} else if ok {
			return Route{Dialect: database.DialectDuckDB, Local: true}, nil
		}
	}
	return Route{Dialect: dialect, DSN: in.DSN}, nil
}

func preferLocal(request, spec *bool) bool {
	if request != nil {
		return *request
	}
	if spec != nil {
		return *spec
	}
	return false
}

// Request is one statement to execute, with pagination and caching intent.
type Request struct {
	SQL          string
	Params       map[string]any
	Limit        int
	Offset       int
	IncludeTotal bool
	Actor        string
	DatasourceID string
	// CachePrefix defaults to PrefixData. Callers producing a different
	// result shape from the same statement must pass their own.
	CachePrefix string
	// NoClamp lifts the MaxLimit ceiling. Internal pagination only; never
	// set from a transport request.
	NoClamp bool
}

// Result is an executed page.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	TotalRows *int64   `json:"totalRows,omitempty"`
	ElapsedMs int64    `json:"elapsedMs"`
	Cached    bool     `json:"-"`
}

// Execute paginates, binds, and runs the request on its route. Cache is
// consulted before the gate so pure hits cost no tokens; any engine work
// pays one token, takes the heavy slots when the request qualifies, and
// collapses through singleflight.
func (r *Router) Execute(ctx context.Context, route Route, req Request) (*Result, error) {
	limit := r.clampLimit(req.Limit, req.NoClamp)
	paged := Paginate(route.Dialect, req.SQL, limit, req.Offset)
	bound, args, err := bindNamed(route.Dialect, paged, req.Params)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.BadRequest, "binding parameters")
	}

	prefix := req.CachePrefix
	if prefix == "" {
		prefix = PrefixData
	}
	key := CacheKey(prefix, req.DatasourceID, paged, req.Params)

	started := time.Now()
	data, dataHit := r.cache.Get(ctx, key)

	var total *int64
	if req.IncludeTotal && dataHit {
		if t, ok := r.countCached(ctx, route, req); ok {
			total = &t
		}
	}
	if dataHit && (!req.IncludeTotal || total != nil) {
		return &Result{Columns: data.Columns, Rows: data.Rows, TotalRows: total, Cached: true, ElapsedMs: time.Since(started).Milliseconds()}, nil
	}

	if err := r.gate.Allow(ctx, req.Actor); err != nil {
		return nil, err
	}
	release, err := r.gate.Admit(ctx, req.Actor, Heavy(limit, req.IncludeTotal))
	if err != nil {
		return nil, err
	}
	defer release()

	cached := dataHit
	if !dataHit {
		data, cached, err = r.cache.Do(ctx, key, func() (*database.Result, error) {
			return r.run(ctx, route, bound, args, r.opts.DataTimeout)
		})
		if err != nil {
			queryErrors.WithLabelValues(apperr.KindOf(err).String()).Inc()
			return nil, err
		}
	}
	if req.IncludeTotal && total == nil {
		t, err := r.Count(ctx, route, req)
		if err != nil {
			return nil, err
		}
		total = &t
	}
	return &Result{Columns: data.Columns, Rows: data.Rows, TotalRows: total, Cached: cached, ElapsedMs: time.Since(started).Milliseconds()}, nil
}

// countCached probes the count cache without executing anything.
func (r *Router) countCached(ctx context.Context, route Route, req Request) (int64, bool) {
	countSQL := CountSQL(route.Dialect, req.SQL)
	key := CacheKey(PrefixCount, req.DatasourceID, countSQL, req.Params)
	data, ok := r.cache.Get(ctx, key)
	if !ok || len(data.Rows) == 0 || len(data.Rows[0]) == 0 {
		return 0, false
	}
	return cellInt64(data.Rows[0][0])
}

// Count runs the companion COUNT(*) for the request's unpaginated SQL,
// cached under its own prefix. Callers holding gate slots call it inline;
// it does not gate on its own.
func (r *Router) Count(ctx context.Context, route Route, req Request) (int64, error) {
	countSQL := CountSQL(route.Dialect, req.SQL)
	bound, args, err := bindNamed(route.Dialect, countSQL, req.Params)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.BadRequest, "binding parameters")
	}
	key := CacheKey(PrefixCount, req.DatasourceID, countSQL, req.Params)
	data, _, err := r.cache.Do(ctx, key, func() (*database.Result, error) {
		return r.run(ctx, route, bound, args, r.opts.CountTimeout)
	})
	if err != nil {
		queryErrors.WithLabelValues(apperr.KindOf(err).String()).Inc()
		return 0, err
	}
	if len(data.Rows) == 0 || len(data.Rows[0]) == 0 {
		return 0, apperr.New(apperr.Internal, "count query returned no rows")
	}
	total, ok := cellInt64(data.Rows[0][0])
	if !ok {
		return 0, apperr.New(apperr.Internal, "count query returned %v", data.Rows[0][0])
	}
	return total, nil
}

func (r *Router) clampLimit(limit int, noClamp bool) int {
	if limit <= 0 {
		return r.opts.DefaultLimit
	}
	if !noClamp && limit > r.opts.MaxLimit {
		return r.opts.MaxLimit
	}
	return limit
}

// run executes with one retry on transient remote failures. The cached
// engine is disposed between attempts so the retry dials fresh. Embedded
// engines have no connection to lose; their failures surface as-is.
func (r *Router) run(ctx context.Context, route Route, sqlText string, args []any, timeout time.Duration) (*database.Result, error) {
	started := time.Now()
	result, err := r.attempt(ctx, route, sqlText, args, timeout)
	if err != nil && !route.Local {
		class := database.Classify(err)
		if class == database.NotTransient {
			return nil, err
		}
		slog.Warn("retrying on fresh engine", "dialect", route.Dialect, "error", err)
		if derr := r.pool.DisposeByDSN(route.Dialect, route.DSN); derr != nil {
			slog.Warn("disposing engine before retry", "error", derr)
		}
		result, err = r.attempt(ctx, route, sqlText, args, timeout)
		if err != nil {
			switch database.Classify(err) {
			case database.ConnectivityTimeout:
				return nil, apperr.Wrap(err, apperr.GatewayTimeout, "connectivity timeout")
			case database.ConnectionLost:
				return nil, apperr.Wrap(err, apperr.BadGateway, "connection lost")
			default:
				return nil, err
			}
		}
	}
	if err != nil {
		return nil, err
	}
	queryDuration.WithLabelValues(string(route.Dialect)).Observe(time.Since(started).Seconds())
	return result, nil
}

func (r *Router) attempt(ctx context.Context, route Route, sqlText string, args []any, timeout time.Duration) (*database.Result, error) {
	db, err := r.routeDB(ctx, route)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Session timeouts must run on the query's own connection.
	stmt := route.Dialect.SessionTimeoutSQL(timeout)
	if stmt == "" {
		rows, err := db.QueryContext(ctx, sqlText, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return database.ScanResult(rows)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return nil, errors.Wrap(err, "bounding statement runtime")
	}
	rows, err := conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return database.ScanResult(rows)
}

func (r *Router) routeDB(ctx context.Context, route Route) (*sql.DB, error) {
	if route.Local {
		if r.duck == nil {
			return nil, apperr.New(apperr.Internal, "embedded store not configured")
		}
		return r.duck.DB(), nil
	}
	engine, err := r.pool.Get(ctx, route.Dialect, route.DSN)
	if err != nil {
		return nil, err
	}
	return engine.DB, nil
}

// Paginate wraps inner as a positional page. The mssql family cannot put
// ORDER BY inside a derived table: when the inner statement carries one
// the page clause is appended to it, otherwise the wrap orders by a
// constant to satisfy OFFSET/FETCH.
func Paginate(d database.Dialect, inner string, limit, offset int) string {
	if d == database.DialectMSSQL {
		if hasTopLevelOrderBy(inner) {
			return fmt.Sprintf("%s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", inner, offset, limit)
		}
		return fmt.Sprintf("SELECT * FROM (%s) AS _q ORDER BY (SELECT 1) OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", inner, offset, limit)
	}
	if offset > 0 {
		return fmt.Sprintf("SELECT * FROM (%s) AS _q LIMIT %d OFFSET %d", inner, limit, offset)
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS _q LIMIT %d", inner, limit)
}

// CountSQL builds the companion total query. A top-level ORDER BY (and the
// cap that may trail it) is stripped: row order cannot change a count, and
// the mssql family rejects ordered derived tables outright.
func CountSQL(d database.Dialect, inner string) string {
	if idx := topLevelOrderByIndex(inner); idx >= 0 {
		inner = strings.TrimRight(inner[:idx], " \t\n")
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS _q", inner)
}

func hasTopLevelOrderBy(sqlText string) bool {
	return topLevelOrderByIndex(sqlText) >= 0
}

// topLevelOrderByIndex finds the ORDER BY clause at nesting depth zero,
// skipping quoted regions and comments. In a single statement that clause
// is terminal, so the first top-level hit is the only one.
func topLevelOrderByIndex(sqlText string) int {
	depth := 0
	n := len(sqlText)
	for i := 0; i < n; {
		c := sqlText[i]
		switch {
		case c == '(':
			depth++
			i++
		case c == ')':
			if depth > 0 {
				depth--
			}
			i++
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(sqlText, i+1, c)
		case c == '[':
			i = skipQuoted(sqlText, i+1, ']')
		case c == '-' && i+1 < n && sqlText[i+1] == '-':
			for i < n && sqlText[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && sqlText[i+1] == '*':
			end := strings.Index(sqlText[i+2:], "*/")
			if end < 0 {
				return -1
			}
			i += end + 4
		case depth == 0 && (c == 'o' || c == 'O') && wordStarts(sqlText, i) && matchWord(sqlText, i, "order"):
			j := i + len("order")
			for j < n && (sqlText[j] == ' ' || sqlText[j] == '\t' || sqlText[j] == '\n') {
				j++
			}
			if matchWord(sqlText, j, "by") {
				return i
			}
			i++
		default:
			i++
		}
	}
	return -1
}

func skipQuoted(s string, i int, quote byte) int {
	for i < len(s) {
		if s[i] == quote {
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

func wordStarts(s string, i int) bool {
	return i == 0 || !isIdentByte(s[i-1])
}

func matchWord(s string, i int, word string) bool {
	if i+len(word) > len(s) || !strings.EqualFold(s[i:i+len(word)], word) {
		return false
	}
	return i+len(word) == len(s) || !isIdentByte(s[i+len(word)])
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// bindNamed lowers :name parameters to the dialect's positional form,
// expanding slice values into IN lists on the way.
func bindNamed(d database.Dialect, query string, params map[string]any) (string, []any, error) {
	if len(params) == 0 {
		return query, nil, nil
	}
	bound, args, err := sqlx.Named(query, params)
	if err != nil {
		return "", nil, errors.Wrap(err, "binding named parameters")
	}
	bound, args, err = sqlx.In(bound, args...)
	if err != nil {
		return "", nil, errors.Wrap(err, "expanding list parameters")
	}
	return sqlx.Rebind(d.BindType(), bound), args, nil
}

func cellInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
