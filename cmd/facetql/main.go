package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/k0kubun/pp/v3"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/facetql/facetql"
	"github.com/facetql/facetql/compile"
	"github.com/facetql/facetql/database"
	"github.com/facetql/facetql/database/mssql"
	"github.com/facetql/facetql/database/mysql"
	"github.com/facetql/facetql/database/postgres"
	"github.com/facetql/facetql/database/sqlite3"
	"github.com/facetql/facetql/store"
	"github.com/facetql/facetql/util"
)

var version string

type options struct {
	Config     string   `long:"config" description:"Load settings from the YAML file (environment variables win)" value-name:"config_file"`
	Datasource string   `short:"d" long:"datasource" description:"Datasource id to run against (default: the embedded store)" value-name:"datasource_id"`
	Actor      string   `short:"u" long:"actor" description:"User id the operation runs as" value-name:"user_id"`
	File       string   `short:"f" long:"file" description:"Read the request JSON from the file, - for stdin" value-name:"json_file"`
	Param      []string `long:"param" description:"Bind a named query parameter" value-name:"name=value"`
	Limit      int      `long:"limit" description:"Page size for query output" value-name:"num_rows"`
	Offset     int      `long:"offset" description:"Rows to skip before the page" value-name:"num_rows"`
	Total      bool     `long:"total" description:"Include the unpaginated row count"`
	Local      bool     `long:"local" description:"Prefer the embedded copy of a synced table"`
	LocalTable string   `long:"local-table" description:"Synced table that makes --local eligible" value-name:"table_name"`
	DryRun     bool     `long:"dry-run" description:"Don't run the pivot but just show its SQL"`
	JSONOut    bool     `long:"json" description:"Print results as JSON rather than a table"`
	Task       string   `short:"t" long:"task" description:"Sync task id" value-name:"task_id"`
	Force      bool     `long:"force" description:"Break live sync locks before running"`
	Background bool     `long:"background" description:"Detach the sync run and return immediately"`
	Kind       string   `long:"kind" description:"Datasource kind for datasource-add (postgres, mysql, mssql, sqlite3, duckdb, api)" value-name:"kind"`
	Host       string   `short:"h" long:"host" description:"Host of the source database" value-name:"host_name" default:"127.0.0.1"`
	Port       uint     `short:"p" long:"port" description:"Port of the source database" value-name:"port_num"`
	User       string   `short:"U" long:"user" description:"Source database user name" value-name:"user_name"`
	Password   string   `short:"P" long:"password" description:"Source database password, overridden by $FACETQL_SOURCE_PWD" value-name:"password"`
	Prompt     bool     `long:"password-prompt" description:"Force a source database password prompt"`
	DbName     string   `long:"dbname" description:"Source database name" value-name:"db_name"`
	Options    string   `long:"options" description:"Datasource options JSON (dateField, transform DSL)" value-name:"json"`
	Debug      bool     `long:"debug" description:"Dump parsed requests while running"`
	Help       bool     `long:"help" description:"Show this help"`
	Version    bool     `long:"version" description:"Show this version"`
}

const commandsHelp = `
Commands:
  query <sql>                Run read-only SQL against a datasource
  spec [file]                Run a chart spec (JSON from file or stdin)
  pivot [file]               Run a pivot; --dry-run prints the SQL instead
  distinct <source> <field>  List the distinct values of a field
  totals [file]              Period totals; prevStart/prevEnd add a comparison
  totals-batch [file]        Run several period totals in one call
  sync                       Run sync tasks for --datasource (--task for one)
  sync-abort                 Request cancellation of running tasks
  sync-status                Show task states and watermarks
  sync-logs                  Show recent sync runs
  sync-reset-stuck           Reset states whose heartbeat went silent
  sync-flush                 Drop a task's destination table (--task)
  dispose                    Drop pooled engines (--datasource for one)
  flush-cache                Drop every locally cached query result
  datasource-add <name>      Register a datasource (--kind plus connection flags)
`

// Return parsed options and the command with its arguments
func parseOptions(args []string) (*options, []string) {
	var opts options

	parser := flags.NewParser(&opts, flags.None)
	parser.Usage = "[options] command [args]"
	args, err := parser.ParseArgs(args)
	if err != nil {
		log.Fatal(err)
	}

	if opts.Help {
		parser.WriteHelp(os.Stdout)
		fmt.Print(commandsHelp)
		os.Exit(0)
	}

	if opts.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	if len(args) == 0 {
		fmt.Print("No command is specified!\n\n")
		parser.WriteHelp(os.Stdout)
		fmt.Print(commandsHelp)
		os.Exit(1)
	}

	password, ok := os.LookupEnv("FACETQL_SOURCE_PWD")
	if !ok {
		password = opts.Password
	}

	if opts.Prompt {
		fmt.Printf("Enter Password: ")
		pass, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println()
		password = string(pass)
	}
	opts.Password = password

	return &opts, args
}

func main() {
	util.InitSlog()
	opts, args := parseOptions(os.Args[1:])

	cfg := facetql.ConfigFromEnv()
	if opts.Config != "" {
		var err error
		cfg, err = facetql.LoadConfig(opts.Config)
		if err != nil {
			log.Fatal(err)
		}
	}

	ctx := context.Background()
	svc, err := facetql.New(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer svc.Close()

	if err := dispatch(ctx, svc, opts, args[0], args[1:]); err != nil {
		log.Fatal(err)
	}
}

func dispatch(ctx context.Context, svc *facetql.Service, opts *options, command string, args []string) error {
	switch command {
	case "query":
		return cmdQuery(ctx, svc, opts, args)
	case "spec":
		return cmdSpec(ctx, svc, opts, args)
	case "pivot":
		return cmdPivot(ctx, svc, opts, args)
	case "distinct":
		return cmdDistinct(ctx, svc, opts, args)
	case "totals":
		return cmdTotals(ctx, svc, opts, args)
	case "totals-batch":
		return cmdTotalsBatch(ctx, svc, opts, args)
	case "sync":
		return cmdSyncRun(ctx, svc, opts)
	case "sync-abort":
		return cmdSyncAbort(ctx, svc, opts)
	case "sync-status":
		return cmdSyncStatus(ctx, svc, opts)
	case "sync-logs":
		return cmdSyncLogs(ctx, svc, opts)
	case "sync-reset-stuck":
		return cmdSyncResetStuck(ctx, svc, opts)
	case "sync-flush":
		return cmdSyncFlush(ctx, svc, opts)
	case "dispose":
		return cmdDispose(ctx, svc, opts)
	case "flush-cache":
		svc.FlushCache()
		fmt.Println("local result cache flushed")
		return nil
	case "datasource-add":
		return cmdDatasourceAdd(ctx, svc, opts, args)
	default:
		return fmt.Errorf("unknown command %q, see --help", command)
	}
}

func cmdQuery(ctx context.Context, svc *facetql.Service, opts *options, args []string) error {
	var sqlText string
	if len(args) > 0 {
		sqlText = strings.Join(args, " ")
	} else {
		var err error
		sqlText, err = readInput(opts.File)
		if err != nil {
			return err
		}
	}

	req := &facetql.QueryRequest{
		SQL:          sqlText,
		DatasourceID: opts.Datasource,
		Params:       parseParams(opts.Param),
		Limit:        opts.Limit,
		Offset:       opts.Offset,
		IncludeTotal: opts.Total,
		Actor:        opts.Actor,
	}
	if opts.Local {
		req.PreferLocal = &opts.Local
		req.LocalTable = opts.LocalTable
	}
	debugDump(opts, req)

	res, err := svc.Query(ctx, req)
	if err != nil {
		return err
	}
	return printResult(opts, res)
}

func cmdSpec(ctx context.Context, svc *facetql.Service, opts *options, args []string) error {
	var spec compile.QuerySpec
	if err := readJSON(requestPath(opts, args), &spec); err != nil {
		return err
	}

	req := &facetql.SpecRequest{
		Spec:         &spec,
		DatasourceID: opts.Datasource,
		Limit:        opts.Limit,
		Offset:       opts.Offset,
		IncludeTotal: opts.Total,
		Actor:        opts.Actor,
	}
	if opts.Local {
		req.PreferLocal = &opts.Local
	}
	debugDump(opts, req)

	res, err := svc.QuerySpec(ctx, req)
	if err != nil {
		return err
	}
	return printResult(opts, res)
}

func cmdPivot(ctx context.Context, svc *facetql.Service, opts *options, args []string) error {
	req := &facetql.PivotRequest{
		DatasourceID: opts.Datasource,
		Actor:        opts.Actor,
	}
	if err := readJSON(requestPath(opts, args), &req.PivotRequest); err != nil {
		return err
	}
	if opts.Limit > 0 {
		req.Limit = opts.Limit
	}
	if opts.Local {
		req.PreferLocal = &opts.Local
	}
	debugDump(opts, req)

	if opts.DryRun {
		compiled, err := svc.PivotSQL(ctx, req)
		if err != nil {
			return err
		}
		printCompiled(compiled)
		return nil
	}

	res, err := svc.Pivot(ctx, req)
	if err != nil {
		return err
	}
	return printResult(opts, res)
}

func cmdDistinct(ctx context.Context, svc *facetql.Service, opts *options, args []string) error {
	req := &facetql.DistinctRequest{
		DatasourceID: opts.Datasource,
		Actor:        opts.Actor,
	}
	switch {
	case len(args) >= 2:
		req.Source = args[0]
		req.Field = args[1]
	case len(args) == 1:
		return fmt.Errorf("usage: distinct <source> <field>")
	default:
		if err := readJSON(requestPath(opts, args), &req.DistinctRequest); err != nil {
			return err
		}
	}
	if opts.Local {
		req.PreferLocal = &opts.Local
	}
	debugDump(opts, req)

	res, err := svc.Distinct(ctx, req)
	if err != nil {
		return err
	}
	if opts.JSONOut {
		return dumpJSON(res)
	}
	printWarnings(res.Warnings)
	rows := make([][]any, 0, len(res.Values))
	for _, v := range res.Values {
		rows = append(rows, []any{v})
	}
	renderTable([]string{req.Field}, rows)
	return nil
}

func cmdTotals(ctx context.Context, svc *facetql.Service, opts *options, args []string) error {
	req := &facetql.PeriodTotalsRequest{
		DatasourceID: opts.Datasource,
		Actor:        opts.Actor,
	}
	if err := readJSON(requestPath(opts, args), &req.PeriodTotalsRequest); err != nil {
		return err
	}
	if opts.Local {
		req.PreferLocal = &opts.Local
	}
	debugDump(opts, req)

	if req.PrevStart != "" || req.PrevEnd != "" {
		out, err := svc.PeriodTotalsCompare(ctx, req)
		if err != nil {
			return err
		}
		if opts.JSONOut {
			return dumpJSON(out)
		}
		printWarnings(out.Cur.Warnings)
		printWarnings(out.Prev.Warnings)
		var rows [][]any
		rows = appendTotalsRows(rows, "current", out.Cur)
		rows = appendTotalsRows(rows, "previous", out.Prev)
		renderTable([]string{"window", "legend", "total"}, rows)
		return nil
	}

	out, err := svc.PeriodTotals(ctx, req)
	if err != nil {
		return err
	}
	if opts.JSONOut {
		return dumpJSON(out)
	}
	printWarnings(out.Warnings)
	if out.Totals == nil {
		renderTable([]string{"total"}, [][]any{{out.Total}})
		return nil
	}
	var rows [][]any
	for k, v := range util.CanonicalMapIter(out.Totals) {
		rows = append(rows, []any{k, v})
	}
	renderTable([]string{"legend", "total"}, rows)
	return nil
}

func cmdTotalsBatch(ctx context.Context, svc *facetql.Service, opts *options, args []string) error {
	req := &facetql.PeriodTotalsBatchRequest{Actor: opts.Actor}
	if err := readJSON(requestPath(opts, args), req); err != nil {
		return err
	}
	debugDump(opts, req)

	out, err := svc.PeriodTotalsBatch(ctx, req)
	if err != nil {
		return err
	}
	if opts.JSONOut {
		return dumpJSON(out)
	}
	var rows [][]any
	for key, entry := range util.CanonicalMapIter(out.Results) {
		if entry.Error != "" {
			rows = append(rows, []any{key, "", color.RedString(entry.Error)})
			continue
		}
		printWarnings(entry.Warnings)
		if entry.Totals == nil {
			rows = append(rows, []any{key, "", entry.Total})
			continue
		}
		for legend, total := range util.CanonicalMapIter(entry.Totals) {
			rows = append(rows, []any{key, legend, total})
		}
	}
	renderTable([]string{"key", "legend", "total"}, rows)
	return nil
}

func cmdSyncRun(ctx context.Context, svc *facetql.Service, opts *options) error {
	req := &facetql.SyncRunRequest{
		DatasourceID: opts.Datasource,
		TaskID:       opts.Task,
		Force:        opts.Force,
		Background:   opts.Background,
		Actor:        opts.Actor,
	}
	debugDump(opts, req)

	out, err := svc.SyncRun(ctx, req)
	if err != nil {
		return err
	}
	if opts.JSONOut {
		return dumpJSON(out)
	}
	if out.Background {
		fmt.Println("sync started in the background; poll sync-status for progress")
		return nil
	}

	rows := make([][]any, 0, len(out.Outcomes))
	for _, o := range out.Outcomes {
		result := "ok"
		if o.Aborted {
			result = "aborted"
		}
		if o.Error != "" {
			result = color.RedString(o.Error)
		}
		rows = append(rows, []any{o.TaskID, o.Mode, o.RowCount, result})
	}
	renderTable([]string{"task", "mode", "rows", "result"}, rows)
	return nil
}

func cmdSyncAbort(ctx context.Context, svc *facetql.Service, opts *options) error {
	ids, err := svc.SyncAbort(ctx, opts.Datasource, opts.Task, opts.Actor)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no running tasks")
		return nil
	}
	fmt.Printf("abort requested for %s\n", strings.Join(ids, ", "))
	return nil
}

func cmdSyncStatus(ctx context.Context, svc *facetql.Service, opts *options) error {
	statuses, err := svc.SyncStatus(ctx, opts.Datasource, opts.Actor)
	if err != nil {
		return err
	}
	if opts.JSONOut {
		return dumpJSON(statuses)
	}

	rows := make([][]any, 0, len(statuses))
	for _, st := range statuses {
		state := "idle"
		progress, watermark, lastRun, errMsg := "", "", "", ""
		var lastRows any = ""
		if s := st.State; s != nil {
			if s.InProgress {
				state = "running"
			}
			if s.CancelRequested {
				state = "aborting"
			}
			if s.ProgressTotal > 0 {
				progress = fmt.Sprintf("%s %d/%d", s.ProgressPhase, s.ProgressCurrent, s.ProgressTotal)
			}
			if s.LastSequenceValue.Valid {
				watermark = s.LastSequenceValue.String
			}
			if s.LastRunAt.Valid {
				lastRun = s.LastRunAt.Time.Format("2006-01-02 15:04:05")
			}
			if s.LastRowCount.Valid {
				lastRows = s.LastRowCount.Int64
			}
			if s.Error != "" {
				errMsg = color.RedString(s.Error)
			}
		}
		rows = append(rows, []any{
			st.Task.ID, st.Task.DestTable, st.Task.Mode, st.Task.Enabled,
			state, progress, watermark, lastRun, lastRows, errMsg,
		})
	}
	renderTable([]string{"task", "table", "mode", "enabled", "state", "progress", "watermark", "last run", "rows", "error"}, rows)
	return nil
}

func cmdSyncLogs(ctx context.Context, svc *facetql.Service, opts *options) error {
	limit := opts.Limit
	if limit == 0 {
		limit = 20
	}
	runs, err := svc.SyncLogs(ctx, opts.Datasource, opts.Actor, limit)
	if err != nil {
		return err
	}
	if opts.JSONOut {
		return dumpJSON(runs)
	}

	rows := make([][]any, 0, len(runs))
	for _, r := range runs {
		finished := ""
		if r.FinishedAt.Valid {
			finished = r.FinishedAt.Time.Format("2006-01-02 15:04:05")
		}
		var rowCount any = ""
		if r.RowCount.Valid {
			rowCount = r.RowCount.Int64
		}
		errMsg := ""
		if r.Error != "" {
			errMsg = color.RedString(r.Error)
		}
		rows = append(rows, []any{
			r.ID, r.TaskID, r.Mode, r.StartedAt.Format("2006-01-02 15:04:05"),
			finished, rowCount, errMsg,
		})
	}
	renderTable([]string{"run", "task", "mode", "started", "finished", "rows", "error"}, rows)
	return nil
}

func cmdSyncResetStuck(ctx context.Context, svc *facetql.Service, opts *options) error {
	n, err := svc.SyncResetStuck(ctx, opts.Datasource, opts.Actor)
	if err != nil {
		return err
	}
	fmt.Printf("%d stuck sync states reset\n", n)
	return nil
}

func cmdSyncFlush(ctx context.Context, svc *facetql.Service, opts *options) error {
	if opts.Task == "" {
		return fmt.Errorf("sync-flush needs --task")
	}
	if err := svc.SyncFlush(ctx, opts.Datasource, opts.Task, opts.Actor); err != nil {
		return err
	}
	fmt.Println("destination flushed; the next run starts from scratch")
	return nil
}

func cmdDispose(ctx context.Context, svc *facetql.Service, opts *options) error {
	if opts.Datasource == "" {
		svc.DisposeAllEngines()
		fmt.Println("all pooled engines disposed")
		return nil
	}
	if err := svc.DisposeEngine(ctx, opts.Datasource, opts.Actor); err != nil {
		return err
	}
	fmt.Println("engine disposed")
	return nil
}

func cmdDatasourceAdd(ctx context.Context, svc *facetql.Service, opts *options, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: datasource-add [options] name")
	}
	if opts.Kind == "" {
		return fmt.Errorf("datasource-add needs --kind")
	}
	if opts.Actor == "" {
		return fmt.Errorf("datasource-add needs --actor to own the datasource")
	}
	if _, err := database.DialectForKind(opts.Kind); err != nil {
		return err
	}
	if opts.Options != "" {
		if _, err := compile.ParseDatasourceOptions([]byte(opts.Options)); err != nil {
			return err
		}
	}

	dsn, err := buildDSN(opts)
	if err != nil {
		return err
	}

	ds := &store.Datasource{
		ID:      uuid.NewString(),
		Name:    args[0],
		Kind:    opts.Kind,
		DSN:     dsn,
		Options: opts.Options,
		OwnerID: opts.Actor,
		Active:  true,
	}
	if err := svc.Store().PutDatasource(ctx, ds); err != nil {
		return err
	}
	fmt.Println(ds.ID)
	return nil
}

func buildDSN(opts *options) (string, error) {
	config := database.Config{
		DbName:   opts.DbName,
		User:     opts.User,
		Password: opts.Password,
		Host:     opts.Host,
		Port:     int(opts.Port),
	}
	switch opts.Kind {
	case "postgres":
		if config.Port == 0 {
			config.Port = 5432
		}
		return postgres.BuildDSN(config), nil
	case "mysql":
		if config.Port == 0 {
			config.Port = 3306
		}
		return mysql.BuildDSN(config), nil
	case "mssql", "sqlserver":
		if config.Port == 0 {
			config.Port = 1433
		}
		return mssql.BuildDSN(config), nil
	case "sqlite", "sqlite3":
		return sqlite3.BuildDSN(config), nil
	case "duckdb", "api":
		// Served by the embedded store; no connection string.
		return "", nil
	default:
		return "", fmt.Errorf("no connection string builder for kind %q", opts.Kind)
	}
}

// requestPath picks the JSON source: a positional file argument beats
// --file, and stdin is the fallback.
func requestPath(opts *options, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if opts.File != "" {
		return opts.File
	}
	return "-"
}

func readInput(path string) (string, error) {
	if path == "" {
		path = "-"
	}
	if path == "-" {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			return "", fmt.Errorf("stdin is not piped")
		}
		buf, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func readJSON(path string, dst any) error {
	raw, err := readInput(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("parsing request JSON: %w", err)
	}
	return nil
}

func parseParams(pairs []string) map[string]any {
	if len(pairs) == 0 {
		return nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found {
			log.Fatalf("malformed --param %q, expected name=value", pair)
		}
		params[name] = value
	}
	return params
}

func debugDump(opts *options, v any) {
	if opts.Debug {
		pp.Println(v)
	}
}

func printResult(opts *options, res *facetql.Result) error {
	if opts.JSONOut {
		return dumpJSON(res)
	}
	printWarnings(res.Warnings)
	renderTable(res.Columns, res.Rows)
	if res.TotalRows != nil {
		fmt.Printf("(%d of %d rows in %dms)\n", len(res.Rows), *res.TotalRows, res.ElapsedMs)
	} else {
		fmt.Printf("(%d rows in %dms)\n", len(res.Rows), res.ElapsedMs)
	}
	return nil
}

func printCompiled(c *facetql.CompiledSQL) {
	printWarnings(c.Warnings)
	fmt.Println("-- dry run --")
	fmt.Printf("%s;\n", c.SQL)
	for name, value := range util.CanonicalMapIter(c.Params) {
		fmt.Printf("-- :%s = %v\n", name, value)
	}
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, color.YellowString("warning: %s", w))
	}
}

func renderTable(columns []string, rows [][]any) {
	table := tablewriter.NewTable(os.Stdout)
	table.Header(columns)
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = formatCell(cell)
		}
		table.Append(cells)
	}
	table.Render()
}

func formatCell(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case time.Time:
		return v.Format("2006-01-02 15:04:05")
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func appendTotalsRows(rows [][]any, window string, res *facetql.PeriodTotalsResult) [][]any {
	if res.Totals == nil {
		return append(rows, []any{window, "", res.Total})
	}
	for k, v := range util.CanonicalMapIter(res.Totals) {
		rows = append(rows, []any{window, k, v})
	}
	return rows
}

func dumpJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
