package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/database"
	"github.com/facetql/facetql/util"
)

const (
	dateOnly = "2006-01-02"

	// sampleRows is how many rows feed destination type inference.
	sampleRows = 64
	// insertBatch is how many rows go into one insert call between
	// progress ticks and abort polls.
	insertBatch = 10000

	defaultTimeout     = 60 * time.Second
	defaultWindowDays  = 7
	defaultPageParam   = "page"
	defaultCursorParam = "cursor"
	defaultMaxPages    = 100
	defaultMaxCursors  = 1000
)

// Run fetches the configured API and lands the rows in the destination
// table. Sequenced configs fetch one date window past the destination's
// high-water date and pre-delete that window first, so re-running a day
// is idempotent. Abort requests are honored between pages and between
// insert batches; an abort before the first insert leaves the
// destination untouched.
func Run(ctx context.Context, job Job, cb Callbacks) (*Result, error) {
	cfg := job.Config
	if cfg == nil || cfg.URL == "" {
		return nil, apperr.New(apperr.BadRequest, "api configuration requires a url")
	}
	if job.Dest == nil || job.DestTable == "" {
		return nil, apperr.New(apperr.BadRequest, "api ingest requires a destination table")
	}

	now := job.Now
	if now.IsZero() {
		now = time.Now()
	}
	client := job.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	vals, err := ResolvePlaceholders(now, cfg.Placeholders)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	if cfg.Sequence != nil && cfg.Sequence.DateField != "" {
		win, behind, err := sequenceWindow(ctx, job, now)
		if err != nil {
			return nil, err
		}
		if !behind {
			return res, nil
		}
		res.Window = &win
		vals["start"] = win.Start.Format(dateOnly)
		vals["end"] = win.End.Format(dateOnly)
	}

	cb.phase(PhaseFetch)
	records, headers, aborted, err := fetchAll(ctx, cfg, client, vals, cb)
	if err != nil {
		return nil, err
	}
	if aborted {
		res.Aborted = true
		return res, nil
	}
	if len(records) == 0 {
		return res, nil
	}

	cols, rows := tabulate(records, headers)
	if len(cols) == 0 {
		return res, nil
	}

	total := int64(len(rows))
	cb.phase(PhaseInsert)
	cb.progress(0, total)
	if cb.aborted() {
		res.Aborted = true
		return res, nil
	}

	sample := rows
	if len(sample) > sampleRows {
		sample = sample[:sampleRows]
	}
	if !database.DestTableExists(ctx, job.Dest, job.DestTable) {
		ddl := database.CreateTableSQL(job.DestTable, database.InferColumns(cols, sample))
		if _, err := job.Dest.ExecContext(ctx, ddl); err != nil {
			return nil, errors.Wrapf(err, "creating destination table %s", job.DestTable)
		}
	} else if err := database.EnsureDestColumns(ctx, job.Dest, job.DestTable, cols, sample); err != nil {
		return nil, err
	}

	if res.Window != nil {
		if err := deleteWindow(ctx, job, cfg.Sequence.DateField, *res.Window); err != nil {
			return nil, err
		}
	}

	for off := 0; off < len(rows); off += insertBatch {
		if cb.aborted() {
			res.Aborted = true
			return res, nil
		}
		end := off + insertBatch
		if end > len(rows) {
			end = len(rows)
		}
		if err := database.InsertDestRows(ctx, job.Dest, job.DestTable, cols, rows[off:end]); err != nil {
			return nil, err
		}
		res.RowCount += int64(end - off)
		cb.progress(res.RowCount, total)
	}

	if gf := cfg.GapFill; gf != nil && gf.Enabled {
		if err := gapFill(ctx, job, gf); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// sequenceWindow computes the next [start, end] date window. The start is
// the day after the caller's watermark, falling back to the destination's
// max date and then to a windowDays lookback for an empty destination.
// behind is false when the watermark is already caught up to today.
func sequenceWindow(ctx context.Context, job Job, now time.Time) (Window, bool, error) {
	days := job.Config.Sequence.WindowDays
	if days <= 0 {
		days = defaultWindowDays
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var since time.Time
	haveSince := false
	if job.LastDate != "" {
		t, ok := database.ParseTemporal(job.LastDate)
		if !ok {
			return Window{}, false, apperr.New(apperr.BadRequest, "malformed watermark date %q", job.LastDate)
		}
		since, haveSince = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	} else if maxDate, ok := destMaxDate(ctx, job, job.Config.Sequence.DateField); ok {
		since, haveSince = maxDate, true
	}

	start := today.AddDate(0, 0, -(days - 1))
	if haveSince {
		start = since.AddDate(0, 0, 1)
		if start.After(today) {
			return Window{}, false, nil
		}
	}
	end := start.AddDate(0, 0, days-1)
	if end.After(today) {
		end = today
	}
	return Window{Start: start, End: end}, true, nil
}

// destMaxDate reads the destination's high-water date. A missing table,
// missing column or null max all report not-ok, which bootstraps a fresh
// window.
func destMaxDate(ctx context.Context, job Job, field string) (time.Time, bool) {
	if !database.DestTableExists(ctx, job.Dest, job.DestTable) {
		return time.Time{}, false
	}
	q := fmt.Sprintf("SELECT MAX(%s) FROM %s",
		database.QuoteDest(field), database.QuoteDest(job.DestTable))
	rows, err := job.Dest.QueryContext(ctx, q)
	if err != nil {
		return time.Time{}, false
	}
	defer rows.Close()
	if !rows.Next() {
		return time.Time{}, false
	}
	var v any
	if err := rows.Scan(&v); err != nil {
		return time.Time{}, false
	}
	switch x := v.(type) {
	case time.Time:
		return time.Date(x.Year(), x.Month(), x.Day(), 0, 0, 0, 0, time.UTC), true
	case string:
		if t, ok := database.ParseTemporal(x); ok {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	case []byte:
		if t, ok := database.ParseTemporal(string(x)); ok {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// deleteWindow clears the fetched window before the insert. The upper
// bound is exclusive on the next day so timestamp columns inside the last
// day are covered too.
func deleteWindow(ctx context.Context, job Job, field string, win Window) error {
	if !database.DestTableExists(ctx, job.Dest, job.DestTable) {
		return nil
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s >= ? AND %s < ?",
		database.QuoteDest(job.DestTable), database.QuoteDest(field), database.QuoteDest(field))
	_, err := job.Dest.ExecContext(ctx, q,
		win.Start.Format(dateOnly), win.End.AddDate(0, 0, 1).Format(dateOnly))
	return errors.Wrapf(err, "clearing window on %s", job.DestTable)
}

// fetchAll walks the configured pagination and accumulates records.
// headers carries the CSV column order of the first CSV page, nil for
// JSON responses.
func fetchAll(ctx context.Context, cfg *Config, client *http.Client, vals map[string]string, cb Callbacks) (records []map[string]any, headers []string, aborted bool, err error) {
	auth := newAuthenticator(cfg.Auth)

	pag := cfg.Pagination
	pagType := ""
	if pag != nil {
		pagType = strings.ToLower(pag.Type)
	}
	switch pagType {
	case "", "none":
		pg, err := fetchPage(ctx, cfg, client, auth, vals, nil)
		if err != nil {
			return nil, nil, false, err
		}
		return pg.records, pg.headers, false, nil

	case "page":
		param := pag.PageParam
		if param == "" {
			param = defaultPageParam
		}
		start := pag.PageStart
		if start <= 0 {
			start = 1
		}
		maxPages := pag.MaxPages
		if maxPages <= 0 {
			maxPages = defaultMaxPages
		}
		for i := 0; i < maxPages; i++ {
			if cb.aborted() {
				return nil, nil, true, nil
			}
			extra := map[string]string{param: strconv.Itoa(start + i)}
			if pag.PageSizeParam != "" && pag.PageSize > 0 {
				extra[pag.PageSizeParam] = strconv.Itoa(pag.PageSize)
			}
			pg, err := fetchPage(ctx, cfg, client, auth, vals, extra)
			if err != nil {
				return nil, nil, false, err
			}
			if headers == nil {
				headers = pg.headers
			}
			records = append(records, pg.records...)
			if len(pg.records) == 0 {
				break
			}
			if pag.PageSize > 0 && len(pg.records) < pag.PageSize {
				break
			}
		}
		return records, headers, false, nil

	case "cursor":
		if pag.NextCursorPath == "" {
			return nil, nil, false, apperr.New(apperr.BadRequest, "cursor pagination requires nextCursorPath")
		}
		param := pag.CursorParam
		if param == "" {
			param = defaultCursorParam
		}
		maxPages := pag.MaxPages
		if maxPages <= 0 {
			maxPages = defaultMaxCursors
		}
		cursor := ""
		for i := 0; i < maxPages; i++ {
			if cb.aborted() {
				return nil, nil, true, nil
			}
			var extra map[string]string
			if cursor != "" {
				extra = map[string]string{param: cursor}
			}
			pg, err := fetchPage(ctx, cfg, client, auth, vals, extra)
			if err != nil {
				return nil, nil, false, err
			}
			if headers == nil {
				headers = pg.headers
			}
			records = append(records, pg.records...)
			if pg.csv {
				break
			}
			cursor = gjson.GetBytes(pg.raw, pag.NextCursorPath).String()
			if cursor == "" {
				break
			}
		}
		return records, headers, false, nil

	default:
		return nil, nil, false, apperr.New(apperr.BadRequest, "unsupported pagination type %q", pag.Type)
	}
}

// page is one fetched and parsed response.
type page struct {
	records []map[string]any
	headers []string
	raw     []byte
	csv     bool
}

// fetchPage issues one request. Placeholder values expand into the URL,
// query, headers and body; extra holds the pagination parameter for this
// page. Error messages carry the configured URL, never the expanded one,
// so secrets stay out of logs.
func fetchPage(ctx context.Context, cfg *Config, client *http.Client, auth *authenticator, vals map[string]string, extra map[string]string) (*page, error) {
	u, err := url.Parse(ExpandTemplate(cfg.URL, vals))
	if err != nil {
		return nil, apperr.New(apperr.BadRequest, "invalid api url %s", cfg.URL)
	}
	q := u.Query()
	for k, v := range util.CanonicalMapIter(cfg.Query) {
		q.Set(k, ExpandTemplate(v, vals))
	}
	for k, v := range util.CanonicalMapIter(extra) {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	method := strings.ToUpper(cfg.Method)
	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(ExpandTemplate(cfg.Body, vals))
		if method == "" {
			method = http.MethodPost
		}
	}
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.BadRequest, "building api request for %s", cfg.URL)
	}
	for k, v := range util.CanonicalMapIter(cfg.Headers) {
		req.Header.Set(k, ExpandTemplate(v, vals))
	}
	if cfg.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := auth.apply(ctx, req, client, vals); err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		if uerr, ok := err.(*url.Error); ok {
			err = uerr.Err
		}
		return nil, apperr.Wrap(err, apperr.BadGateway, "api request to %s failed", cfg.URL)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.BadGateway, "reading api response from %s", cfg.URL)
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.New(apperr.BadGateway, "api request to %s returned status %d", cfg.URL, resp.StatusCode)
	}

	if detectCSV(cfg, resp.Header.Get("Content-Type")) {
		hdrs, records, err := parseCSV(data)
		if err != nil {
			return nil, err
		}
		return &page{records: records, headers: hdrs, raw: data, csv: true}, nil
	}
	records, err := parseJSONRecords(data, cfg.RootPath)
	if err != nil {
		return nil, err
	}
	return &page{records: records, raw: data}, nil
}

// gapFill materializes <table>_filled with one row per key group per day
// between the table's min and max dates, forward-filling value columns
// from the last non-null observation.
func gapFill(ctx context.Context, job Job, gf *GapFillConfig) error {
	if gf.DateColumn == "" || len(gf.KeyColumns) == 0 {
		return apperr.New(apperr.BadRequest, "gap fill requires keyColumns and dateColumn")
	}
	cols, err := database.DestColumns(ctx, job.Dest, job.DestTable)
	if err != nil {
		return err
	}
	skip := map[string]bool{strings.ToLower(gf.DateColumn): true}
	for _, k := range gf.KeyColumns {
		skip[strings.ToLower(k)] = true
	}
	valueCols := make([]string, 0, len(cols))
	for _, c := range cols {
		if !skip[strings.ToLower(c)] {
			valueCols = append(valueCols, c)
		}
	}
	sql := gapFillSQL(job.DestTable, gf.KeyColumns, gf.DateColumn, valueCols)
	_, err = job.Dest.ExecContext(ctx, sql)
	return errors.Wrapf(err, "gap filling %s", job.DestTable)
}

// gapFillSQL builds the DuckDB statement behind gap fill: a day spine per
// distinct key group cross-joined over the table's date range, left
// joined back and forward-filled with last_value IGNORE NULLS.
func gapFillSQL(table string, keyCols []string, dateCol string, valueCols []string) string {
	qt := database.QuoteDest(table)
	qd := database.QuoteDest(dateCol)
	keys := util.TransformSlice(keyCols, database.QuoteDest)

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE TABLE %s AS\n", database.QuoteDest(table+"_filled"))
	fmt.Fprintf(&b, "WITH bounds AS (SELECT CAST(MIN(%s) AS DATE) AS lo, CAST(MAX(%s) AS DATE) AS hi FROM %s),\n", qd, qd, qt)
	b.WriteString("days AS (SELECT CAST(gs.d AS DATE) AS d FROM bounds, generate_series(bounds.lo, bounds.hi, INTERVAL 1 DAY) AS gs(d)),\n")
	fmt.Fprintf(&b, "spine AS (SELECT %s, days.d FROM (SELECT DISTINCT %s FROM %s) AS kg CROSS JOIN days)\n",
		prefixJoin("kg.", keys), strings.Join(keys, ", "), qt)
	fmt.Fprintf(&b, "SELECT %s, spine.d AS %s", prefixJoin("spine.", keys), qd)
	for _, v := range valueCols {
		qv := database.QuoteDest(v)
		fmt.Fprintf(&b, ",\n  last_value(src.%s IGNORE NULLS) OVER (PARTITION BY %s ORDER BY spine.d) AS %s",
			qv, prefixJoin("spine.", keys), qv)
	}
	fmt.Fprintf(&b, "\nFROM spine LEFT JOIN %s AS src ON CAST(src.%s AS DATE) = spine.d", qt, qd)
	for _, k := range keys {
		fmt.Fprintf(&b, " AND src.%s = spine.%s", k, k)
	}
	return b.String()
}

func prefixJoin(prefix string, cols []string) string {
	return prefix + strings.Join(cols, ", "+prefix)
}
