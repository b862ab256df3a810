package facetql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/compile"
	"github.com/facetql/facetql/database"
	"github.com/facetql/facetql/executor"
	"github.com/facetql/facetql/store"
	syncer "github.com/facetql/facetql/sync"
)

const (
	// pivotPageSize is the server-side page unlimited pivots are fetched
	// in. Pages are concatenated before returning, so the client sees one
	// result regardless of size.
	pivotPageSize = 50000

	// batchConcurrency bounds parallel statements per period-totals batch.
	batchConcurrency = 4

	probeTimeout = 10 * time.Second
)

// Result is the shape every query operation returns.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	TotalRows *int64   `json:"totalRows,omitempty"`
	ElapsedMs int64    `json:"elapsedMs"`
	Warnings  []string `json:"warnings,omitempty"`
}

// QueryRequest executes caller-written SQL. Statements must be read-only;
// anything else is rejected before reaching an engine.
type QueryRequest struct {
	SQL          string         `json:"sql"`
	DatasourceID string         `json:"datasourceId,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Limit        int            `json:"limit,omitempty"`
	Offset       int            `json:"offset,omitempty"`
	IncludeTotal bool           `json:"includeTotal,omitempty"`
	PreferLocal  *bool          `json:"preferLocalDuck,omitempty"`
	// LocalTable names the synced table whose presence lets a prefer-local
	// request run on the embedded store.
	LocalTable string `json:"preferLocalTable,omitempty"`
	Actor      string `json:"-"`
}

// SpecRequest executes a chart spec.
type SpecRequest struct {
	Spec         *compile.QuerySpec `json:"spec"`
	DatasourceID string             `json:"datasourceId,omitempty"`
	Limit        int                `json:"limit,omitempty"`
	Offset       int                `json:"offset,omitempty"`
	IncludeTotal bool               `json:"includeTotal,omitempty"`
	WidgetID     string             `json:"widgetId,omitempty"`
	PreferLocal  *bool              `json:"preferLocalDuck,omitempty"`
	Actor        string             `json:"-"`
}

// PivotRequest executes a pivot. Limit 0 means unlimited: the full result
// is assembled server-side from fixed-size pages.
type PivotRequest struct {
	compile.PivotRequest
	DatasourceID string `json:"datasourceId,omitempty"`
	WidgetID     string `json:"widgetId,omitempty"`
	PreferLocal  *bool  `json:"preferLocalDuck,omitempty"`
	Actor        string `json:"-"`
}

// DistinctRequest lists the distinct values of one field.
type DistinctRequest struct {
	compile.DistinctRequest
	DatasourceID string `json:"datasourceId,omitempty"`
	WidgetID     string `json:"widgetId,omitempty"`
	PreferLocal  *bool  `json:"preferLocalDuck,omitempty"`
	Actor        string `json:"-"`
}

// DistinctResult is the distinct-values envelope.
type DistinctResult struct {
	Values   []any    `json:"values"`
	Warnings []string `json:"warnings,omitempty"`
}

// PeriodTotalsRequest aggregates one date window into a total, or one
// total per legend value. PrevStart and PrevEnd matter only to Compare.
type PeriodTotalsRequest struct {
	compile.PeriodTotalsRequest
	DatasourceID string `json:"datasourceId,omitempty"`
	WidgetID     string `json:"widgetId,omitempty"`
	PreferLocal  *bool  `json:"preferLocalDuck,omitempty"`
	Actor        string `json:"-"`
}

// PeriodTotalsResult carries a scalar total, or per-legend totals when the
// request named a legend field.
type PeriodTotalsResult struct {
	Total    any            `json:"total"`
	Totals   map[string]any `json:"totals,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// PeriodCompareResult pairs the current window with the comparison window.
type PeriodCompareResult struct {
	Cur  *PeriodTotalsResult `json:"cur"`
	Prev *PeriodTotalsResult `json:"prev"`
}

// PeriodTotalsBatchRequest evaluates several period-totals requests in one
// call, bounded-parallel. Each item may target its own datasource.
type PeriodTotalsBatchRequest struct {
	Requests []PeriodTotalsBatchItem `json:"requests"`
	Actor    string                  `json:"-"`
}

type PeriodTotalsBatchItem struct {
	Key          string `json:"key,omitempty"`
	DatasourceID string `json:"datasourceId,omitempty"`
	PreferLocal  *bool  `json:"preferLocalDuck,omitempty"`
	compile.PeriodTotalsRequest
}

// PeriodTotalsBatchResult maps item keys to their outcomes. Items that
// fail carry an error message instead of failing the whole batch.
type PeriodTotalsBatchResult struct {
	Results map[string]*PeriodTotalsBatchEntry `json:"results"`
}

type PeriodTotalsBatchEntry struct {
	*PeriodTotalsResult
	Error string `json:"error,omitempty"`
}

// CompiledSQL is the compile-only response: the statement and its named
// parameters, unexecuted.
type CompiledSQL struct {
	SQL      string         `json:"sql"`
	Params   map[string]any `json:"params,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// target is a resolved execution target: the route, the datasource's
// transform DSL, and the owner whose name scopes embedded tables.
type target struct {
	route executor.Route
	ds    *store.Datasource
	opts  *compile.DatasourceOptions
	owner string
	id    string
}

// resolveTarget checks access, parses the datasource options, and routes.
// An empty datasource id targets the embedded store directly, scoped to
// the actor's own tables.
func (s *Service) resolveTarget(ctx context.Context, datasourceID, actor string, prefRequest, prefSpec *bool, localTable string) (*target, error) {
	if datasourceID == "" {
		return &target{
			route: executor.Route{Dialect: database.DialectDuckDB, Local: true},
			opts:  &compile.DatasourceOptions{},
			owner: actor,
		}, nil
	}
	ds, err := s.store.AccessibleDatasource(ctx, datasourceID, actor)
	if err != nil {
		return nil, err
	}
	if !ds.Active {
		return nil, apperr.New(apperr.Conflict, "datasource %s is inactive", ds.ID)
	}
	opts, err := compile.ParseDatasourceOptions([]byte(ds.Options))
	if err != nil {
		return nil, err
	}
	t := &target{ds: ds, opts: opts, owner: ds.OwnerID, id: ds.ID}
	t.route, err = s.router.Route(ctx, executor.RouteInput{
		Kind:               ds.Kind,
		DSN:                ds.DSN,
		PreferLocalRequest: prefRequest,
		PreferLocalSpec:    prefSpec,
		LocalTable:         syncer.ScopedTable(s.cfg.UserScopedTables, ds.OwnerID, localTable),
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// tableFor maps a spec source to the physical table the route reads: the
// owner-scoped destination on the embedded store, the name as written on a
// remote engine.
func (s *Service) tableFor(t *target, source string) string {
	if t.route.Local {
		return syncer.ScopedTable(s.cfg.UserScopedTables, t.owner, source)
	}
	return source
}

// probeColumns asks the engine for the source's column set with a zero-row
// select. Failures degrade to nil: composition then skips reference
// validation instead of failing the query.
func (s *Service) probeColumns(ctx context.Context, route executor.Route, table string) []string {
	var db *sql.DB
	if route.Local {
		db = s.duck.DB()
	} else {
		engine, err := s.pool.Get(ctx, route.Dialect, route.DSN)
		if err != nil {
			slog.Debug("column probe skipped", "table", table, "error", err)
			return nil
		}
		db = engine.DB
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	probe := fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", compile.QuoteSource(route.Dialect, table))
	rows, err := db.QueryContext(ctx, probe)
	if err != nil {
		slog.Debug("column probe failed", "table", table, "error", err)
		return nil
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil
	}
	return cols
}

// baseFor builds the relation a compiled query selects from: the composed
// projection when the datasource carries transform DSL, the plain probed
// table otherwise.
func (s *Service) baseFor(ctx context.Context, t *target, source string, sel []string, weekStart, widgetID string) (*compile.Base, []string, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil, apperr.New(apperr.BadRequest, "query requires a source")
	}
	ws, err := compile.ParseWeekStart(weekStart)
	if err != nil {
		return nil, nil, err
	}
	table := s.tableFor(t, source)
	cols := s.probeColumns(ctx, t.route, table)

	opts := t.opts
	if len(opts.CustomColumns) == 0 && len(opts.Transforms) == 0 && len(opts.Joins) == 0 && opts.Defaults == nil {
		b := compile.NewBase(t.route.Dialect, table, nil, ws)
		b.Columns = cols
		return b, nil, nil
	}
	composed, err := compile.ComposeBase(compile.ComposeInput{
		Dialect:       t.route.Dialect,
		Source:        table,
		BaseSelect:    sel,
		CustomColumns: opts.CustomColumns,
		Transforms:    opts.Transforms,
		Joins:         opts.Joins,
		Defaults:      opts.Defaults,
		BaseColumns:   cols,
		WeekStart:     ws,
		WidgetID:      widgetID,
	})
	if err != nil {
		return nil, nil, err
	}
	return compile.NewBase(t.route.Dialect, table, composed, ws), composed.Warnings, nil
}

type execOptions struct {
	limit        int
	offset       int
	includeTotal bool
	prefix       string
	noClamp      bool
}

func (s *Service) execCompiled(ctx context.Context, t *target, c *compile.Compiled, actor string, o execOptions) (*executor.Result, error) {
	return s.router.Execute(ctx, t.route, executor.Request{
		SQL:          c.SQL,
		Params:       c.Params,
		Limit:        o.limit,
		Offset:       o.offset,
		IncludeTotal: o.includeTotal,
		Actor:        actor,
		DatasourceID: t.id,
		CachePrefix:  o.prefix,
		NoClamp:      o.noClamp,
	})
}

func toResult(res *executor.Result, warnings []string) *Result {
	return &Result{
		Columns:   res.Columns,
		Rows:      res.Rows,
		TotalRows: res.TotalRows,
		ElapsedMs: res.ElapsedMs,
		Warnings:  warnings,
	}
}

// Query runs caller-written SQL on the datasource's engine, paginated and
// cached like compiled queries.
func (s *Service) Query(ctx context.Context, req *QueryRequest) (*Result, error) {
	if strings.TrimSpace(req.SQL) == "" {
		return nil, apperr.New(apperr.BadRequest, "query requires sql")
	}
	t, err := s.resolveTarget(ctx, req.DatasourceID, req.Actor, req.PreferLocal, nil, req.LocalTable)
	if err != nil {
		return nil, err
	}
	if err := compile.EnsureReadOnly(t.route.Dialect, req.SQL); err != nil {
		return nil, err
	}
	res, err := s.router.Execute(ctx, t.route, executor.Request{
		SQL:          req.SQL,
		Params:       req.Params,
		Limit:        req.Limit,
		Offset:       req.Offset,
		IncludeTotal: req.IncludeTotal,
		Actor:        req.Actor,
		DatasourceID: t.id,
	})
	if err != nil {
		return nil, err
	}
	return toResult(res, nil), nil
}

// QuerySpec compiles and runs a chart spec: grouped x/legend dimensions
// over an aggregated value, per-series union arms, or plain rows when the
// spec names no dimension and no aggregate.
func (s *Service) QuerySpec(ctx context.Context, req *SpecRequest) (*Result, error) {
	spec := req.Spec
	if spec == nil {
		return nil, apperr.New(apperr.BadRequest, "query requires a spec")
	}
	t, err := s.resolveTarget(ctx, req.DatasourceID, req.Actor, req.PreferLocal, spec.PreferLocal, spec.Source)
	if err != nil {
		return nil, err
	}
	base, warnings, err := s.baseFor(ctx, t, spec.Source, spec.Select, spec.WeekStart, req.WidgetID)
	if err != nil {
		return nil, err
	}
	compiled, err := compile.CompileChart(base, spec, t.opts.DateField)
	if err != nil {
		return nil, err
	}
	limit, offset := req.Limit, req.Offset
	if limit <= 0 {
		limit = spec.Limit
	}
	if offset <= 0 {
		offset = spec.Offset
	}
	res, err := s.execCompiled(ctx, t, compiled, req.Actor, execOptions{
		limit:        limit,
		offset:       offset,
		includeTotal: req.IncludeTotal,
	})
	if err != nil {
		return nil, err
	}
	return toResult(res, mergeWarnings(warnings, compiled.Warnings)), nil
}

// Pivot runs a pivot. With a limit the result is one page; without one the
// full cross product is assembled from uncapped pages so spreadsheets
// export whole.
func (s *Service) Pivot(ctx context.Context, req *PivotRequest) (*Result, error) {
	t, compiled, warnings, err := s.compilePivot(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.PivotRequest.Limit > 0 {
		res, err := s.execCompiled(ctx, t, compiled, req.Actor, execOptions{limit: req.PivotRequest.Limit})
		if err != nil {
			return nil, err
		}
		return toResult(res, warnings), nil
	}

	started := time.Now()
	out := &Result{Columns: compiled.Columns, Rows: [][]any{}, Warnings: warnings}
	for offset := 0; ; offset += pivotPageSize {
		page, err := s.execCompiled(ctx, t, compiled, req.Actor, execOptions{
			limit:   pivotPageSize,
			offset:  offset,
			noClamp: true,
		})
		if err != nil {
			return nil, err
		}
		if len(page.Columns) > 0 {
			out.Columns = page.Columns
		}
		out.Rows = append(out.Rows, page.Rows...)
		if len(page.Rows) < pivotPageSize {
			break
		}
	}
	out.ElapsedMs = time.Since(started).Milliseconds()
	return out, nil
}

// PivotSQL compiles a pivot without executing it.
func (s *Service) PivotSQL(ctx context.Context, req *PivotRequest) (*CompiledSQL, error) {
	_, compiled, warnings, err := s.compilePivot(ctx, req)
	if err != nil {
		return nil, err
	}
	return &CompiledSQL{
		SQL:      compiled.SQL,
		Params:   compiled.Params,
		Warnings: warnings,
	}, nil
}

func (s *Service) compilePivot(ctx context.Context, req *PivotRequest) (*target, *compile.Compiled, []string, error) {
	t, err := s.resolveTarget(ctx, req.DatasourceID, req.Actor, req.PreferLocal, nil, req.Source)
	if err != nil {
		return nil, nil, nil, err
	}
	base, warnings, err := s.baseFor(ctx, t, req.Source, nil, req.WeekStart, req.WidgetID)
	if err != nil {
		return nil, nil, nil, err
	}
	compiled, err := compile.CompilePivot(base, &req.PivotRequest, t.opts.DateField)
	if err != nil {
		return nil, nil, nil, err
	}
	return t, compiled, mergeWarnings(warnings, compiled.Warnings), nil
}

// Distinct lists the distinct values of one field, every filter applied
// except filters on the field itself.
func (s *Service) Distinct(ctx context.Context, req *DistinctRequest) (*DistinctResult, error) {
	t, err := s.resolveTarget(ctx, req.DatasourceID, req.Actor, req.PreferLocal, nil, req.Source)
	if err != nil {
		return nil, err
	}
	base, warnings, err := s.baseFor(ctx, t, req.Source, nil, "", req.WidgetID)
	if err != nil {
		return nil, err
	}
	compiled, err := compile.CompileDistinct(base, &req.DistinctRequest, t.opts.DateField)
	if err != nil {
		return nil, err
	}
	res, err := s.execCompiled(ctx, t, compiled, req.Actor, execOptions{limit: s.router.MaxLimit()})
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) > 0 {
			values = append(values, row[0])
		}
	}
	return &DistinctResult{Values: values, Warnings: mergeWarnings(warnings, compiled.Warnings)}, nil
}

// PeriodTotals aggregates the [start, end) window into a scalar total, or
// into per-legend totals when the request names a legend field.
func (s *Service) PeriodTotals(ctx context.Context, req *PeriodTotalsRequest) (*PeriodTotalsResult, error) {
	t, base, warnings, err := s.periodBase(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := s.periodWindow(ctx, t, base, &req.PeriodTotalsRequest, req.Actor, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	out.Warnings = mergeWarnings(warnings, out.Warnings)
	return out, nil
}

// PeriodTotalsCompare evaluates the current and comparison windows as two
// statements over one base.
func (s *Service) PeriodTotalsCompare(ctx context.Context, req *PeriodTotalsRequest) (*PeriodCompareResult, error) {
	if req.PrevStart == "" || req.PrevEnd == "" {
		return nil, apperr.New(apperr.BadRequest, "compare requires prevStart and prevEnd")
	}
	t, base, warnings, err := s.periodBase(ctx, req)
	if err != nil {
		return nil, err
	}
	cur, err := s.periodWindow(ctx, t, base, &req.PeriodTotalsRequest, req.Actor, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	prev, err := s.periodWindow(ctx, t, base, &req.PeriodTotalsRequest, req.Actor, req.PrevStart, req.PrevEnd)
	if err != nil {
		return nil, err
	}
	cur.Warnings = mergeWarnings(warnings, cur.Warnings)
	return &PeriodCompareResult{Cur: cur, Prev: prev}, nil
}

// PeriodTotalsBatch evaluates the items bounded-parallel. Per-item
// failures become error entries; only infrastructure failures fail the
// batch.
func (s *Service) PeriodTotalsBatch(ctx context.Context, req *PeriodTotalsBatchRequest) (*PeriodTotalsBatchResult, error) {
	if len(req.Requests) == 0 {
		return nil, apperr.New(apperr.BadRequest, "batch requires at least one request")
	}
	entries, err := database.ConcurrentMapFuncWithError(ctx, req.Requests, batchConcurrency,
		func(ctx context.Context, item PeriodTotalsBatchItem) (*PeriodTotalsBatchEntry, error) {
			one := &PeriodTotalsRequest{
				PeriodTotalsRequest: item.PeriodTotalsRequest,
				DatasourceID:        item.DatasourceID,
				PreferLocal:         item.PreferLocal,
				Actor:               req.Actor,
			}
			out, err := s.PeriodTotals(ctx, one)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				return &PeriodTotalsBatchEntry{Error: err.Error()}, nil
			}
			return &PeriodTotalsBatchEntry{PeriodTotalsResult: out}, nil
		})
	if err != nil {
		return nil, err
	}
	results := make(map[string]*PeriodTotalsBatchEntry, len(entries))
	for i, entry := range entries {
		key := req.Requests[i].Key
		if key == "" {
			key = strconv.Itoa(i)
		}
		results[key] = entry
	}
	return &PeriodTotalsBatchResult{Results: results}, nil
}

func (s *Service) periodBase(ctx context.Context, req *PeriodTotalsRequest) (*target, *compile.Base, []string, error) {
	t, err := s.resolveTarget(ctx, req.DatasourceID, req.Actor, req.PreferLocal, nil, req.Source)
	if err != nil {
		return nil, nil, nil, err
	}
	base, warnings, err := s.baseFor(ctx, t, req.Source, nil, req.WeekStart, req.WidgetID)
	if err != nil {
		return nil, nil, nil, err
	}
	return t, base, warnings, nil
}

// periodWindow compiles and runs one window. Scalar and legend shapes use
// distinct cache prefixes so a cached scalar can never satisfy a legend
// read.
func (s *Service) periodWindow(ctx context.Context, t *target, base *compile.Base, req *compile.PeriodTotalsRequest, actor, start, end string) (*PeriodTotalsResult, error) {
	dateField := req.DateField
	if dateField == "" {
		dateField = t.opts.DateField
	}
	win := *req
	win.DateField = dateField
	compiled, err := compile.CompilePeriodTotals(base, &win, start, end)
	if err != nil {
		return nil, err
	}
	prefix := executor.PrefixTotalsScalar
	if req.Legend != "" {
		prefix = executor.PrefixTotalsLegend
	}
	res, err := s.execCompiled(ctx, t, compiled, actor, execOptions{prefix: prefix})
	if err != nil {
		return nil, err
	}
	out := &PeriodTotalsResult{Warnings: compiled.Warnings}
	if req.Legend != "" {
		out.Totals = make(map[string]any, len(res.Rows))
		for _, row := range res.Rows {
			if len(row) < 2 {
				continue
			}
			out.Totals[fmt.Sprint(row[0])] = row[1]
		}
		return out, nil
	}
	if len(res.Rows) > 0 && len(res.Rows[0]) > 0 {
		out.Total = res.Rows[0][0]
	}
	return out, nil
}

func mergeWarnings(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	return append(append([]string{}, a...), b...)
}
