package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/compile"
	"github.com/facetql/facetql/database"
	"github.com/facetql/facetql/database/duckdb"
	"github.com/facetql/facetql/ingest"
	"github.com/facetql/facetql/store"
)

// StuckAfter is how long a heartbeat may go silent before a run counts as
// stuck.
const StuckAfter = 30 * time.Minute

var (
	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facetql_sync_runs_total",
		Help: "Sync task runs by mode and outcome.",
	}, []string{"mode", "outcome"})

	syncRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facetql_sync_rows_total",
		Help: "Rows landed in the embedded store by sync runs.",
	})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "facetql_sync_duration_seconds",
		Help:    "Sync task run duration by mode.",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	}, []string{"mode"})
)

// Coordinator drives sync runs end to end: ACL and schedule gates, group
// locks, state lifecycle, the copy engines, and watermark bookkeeping.
type Coordinator struct {
	store *store.Store
	pool  *database.Pool
	duck  *duckdb.Handle

	// ScopeTables prefixes embedded destinations with the datasource
	// owner, isolating tenants that share one embedded file.
	ScopeTables bool

	// Clock is overridable for blackout and heartbeat tests.
	Clock func() time.Time
}

func NewCoordinator(st *store.Store, pool *database.Pool, duck *duckdb.Handle) *Coordinator {
	return &Coordinator{store: st, pool: pool, duck: duck}
}

func (c *Coordinator) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// ScopedTable returns the embedded table name for an owner's destination.
// Scoping off or an empty owner leaves the name untouched.
func ScopedTable(scoped bool, owner, table string) string {
	if !scoped || owner == "" {
		return table
	}
	var b strings.Builder
	for _, r := range strings.ToLower(owner) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return "u_" + b.String() + "_" + table
}

func (c *Coordinator) destTable(ds *store.Datasource, table string) string {
	return ScopedTable(c.ScopeTables, ds.OwnerID, table)
}

// RunRequest selects what to sync. An empty TaskID runs every enabled task
// of the datasource; naming a disabled task is rejected.
type RunRequest struct {
	DatasourceID string
	TaskID       string
	// Force releases existing group locks first, for recovering from a
	// holder that died without cleanup.
	Force bool
	Actor string
}

// TaskOutcome is the per-task result of a run. A failed task records its
// error here without failing its siblings.
type TaskOutcome struct {
	TaskID   string
	Mode     string
	RowCount int64
	Aborted  bool
	Error    string
}

// Run executes the selected tasks sequentially, snapshots first. Group
// locks are taken up front all-or-nothing and released as the last task of
// each group finishes.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) ([]TaskOutcome, error) {
	ds, err := c.store.AccessibleDatasource(ctx, req.DatasourceID, req.Actor)
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
	if err := c.checkBlackout(ds, opts); err != nil {
		return nil, err
	}
	if err := c.checkConcurrency(ctx, ds, opts); err != nil {
		return nil, err
	}

	tasks, err := c.selectTasks(ctx, ds, req.TaskID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	// Snapshots first, so sequence tasks sharing a destination resume
	// from the freshly replaced table.
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Mode == store.ModeSnapshot && tasks[j].Mode != store.ModeSnapshot
	})

	pending := make(map[string]int, len(tasks))
	for _, t := range tasks {
		pending[t.GroupKey]++
	}
	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	holder := req.TaskID
	if holder == "" {
		holder = ds.ID
	}
	if req.Force {
		if err := c.store.ReleaseLocks(ctx, keys); err != nil {
			return nil, err
		}
	}
	if err := c.store.AcquireLocks(ctx, holder, keys); err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(keys))
	for _, k := range keys {
		held[k] = true
	}
	defer func() {
		rest := make([]string, 0, len(held))
		for k, h := range held {
			if h {
				rest = append(rest, k)
			}
		}
		if len(rest) == 0 {
			return
		}
		if err := c.store.ReleaseLocks(context.WithoutCancel(ctx), rest); err != nil {
			slog.Warn("releasing sync locks", "datasource", ds.ID, "error", err)
		}
	}()

	outcomes := make([]TaskOutcome, 0, len(tasks))
	for i := range tasks {
		task := &tasks[i]
		out := c.runTask(ctx, ds, task)
		outcomes = append(outcomes, out)

		if task.Mode == store.ModeSnapshot && out.Error == "" && !out.Aborted {
			c.refreshGroupWatermarks(ctx, ds, task, tasks)
		}

		pending[task.GroupKey]--
		if pending[task.GroupKey] == 0 && held[task.GroupKey] {
			if err := c.store.ReleaseLocks(context.WithoutCancel(ctx), []string{task.GroupKey}); err != nil {
				slog.Warn("releasing sync lock", "groupKey", task.GroupKey, "error", err)
			} else {
				held[task.GroupKey] = false
			}
		}
	}
	return outcomes, nil
}

func (c *Coordinator) selectTasks(ctx context.Context, ds *store.Datasource, taskID string) ([]store.SyncTask, error) {
	if taskID != "" {
		task, err := c.store.Task(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.DatasourceID != ds.ID {
			return nil, apperr.New(apperr.NotFound, "task %s does not belong to datasource %s", taskID, ds.ID)
		}
		if !task.Enabled {
			return nil, apperr.New(apperr.BadRequest, "task %s is disabled", taskID)
		}
		return []store.SyncTask{*task}, nil
	}
	all, err := c.store.ListTasks(ctx, ds.ID)
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, t := range all {
		if t.Enabled {
			enabled = append(enabled, t)
		}
	}
	return enabled, nil
}

// checkBlackout rejects runs inside any configured time-of-day window.
// Windows come from the datasource row and the options blob; either list
// may be empty.
func (c *Coordinator) checkBlackout(ds *store.Datasource, opts *compile.DatasourceOptions) error {
	windows := append([]compile.BlackoutWindow{}, opts.Blackouts...)
	if raw := strings.TrimSpace(ds.BlackoutWindows); raw != "" && raw != "[]" {
		var rowWindows []compile.BlackoutWindow
		if err := json.Unmarshal([]byte(raw), &rowWindows); err != nil {
			return apperr.Wrap(err, apperr.BadRequest, "malformed blackout windows on datasource %s", ds.ID)
		}
		windows = append(windows, rowWindows...)
	}
	if len(windows) == 0 {
		return nil
	}

	now := c.now()
	minute := now.Hour()*60 + now.Minute()
	for _, w := range windows {
		from, err := clockMinute(w.From)
		if err != nil {
			return err
		}
		to, err := clockMinute(w.To)
		if err != nil {
			return err
		}
		if from == to {
			continue
		}
		active := false
		if from < to {
			active = minute >= from && minute < to
		} else {
			// Wraps midnight, e.g. 22:00-03:00.
			active = minute >= from || minute < to
		}
		if active {
			return apperr.New(apperr.Conflict, "sync is blacked out between %s and %s", w.From, w.To)
		}
	}
	return nil
}

func clockMinute(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, apperr.Wrap(err, apperr.BadRequest, "malformed blackout time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (c *Coordinator) checkConcurrency(ctx context.Context, ds *store.Datasource, opts *compile.DatasourceOptions) error {
	limit := ds.MaxConcurrentSyncs
	if limit <= 0 {
		limit = opts.MaxConcurrentSyncs
	}
	if limit <= 0 {
		limit = 1
	}
	running, err := c.store.InProgressCount(ctx, ds.ID)
	if err != nil {
		return err
	}
	if running >= limit {
		return apperr.New(apperr.Conflict,
			"datasource %s already has %d sync(s) in progress (limit %d)", ds.ID, running, limit)
	}
	return nil
}

// runTask runs one task through its full state lifecycle. Errors are
// recorded on the outcome and in the store, never returned.
func (c *Coordinator) runTask(ctx context.Context, ds *store.Datasource, task *store.SyncTask) TaskOutcome {
	out := TaskOutcome{TaskID: task.ID, Mode: task.Mode}
	fail := func(err error) TaskOutcome {
		out.Error = err.Error()
		syncRuns.WithLabelValues(task.Mode, "error").Inc()
		return out
	}

	state, err := c.store.EnsureState(ctx, task.ID)
	if err != nil {
		return fail(err)
	}

	duckDB := c.duck.DB()
	path := c.duck.Path()
	dest := c.destTable(ds, task.DestTable)

	// A watermark taken against a different embedded file is meaningless
	// against this one.
	watermark := ""
	if state.LastSequenceValue.Valid {
		watermark = state.LastSequenceValue.String
	}
	if watermark != "" && state.LastEmbeddedPath != "" && state.LastEmbeddedPath != path {
		slog.Info("embedded file changed, resetting watermark",
			"task", task.ID, "was", state.LastEmbeddedPath, "now", path)
		if err := c.store.ClearWatermark(ctx, task.ID); err != nil {
			return fail(err)
		}
		watermark = ""
	}
	if watermark == "" && task.Mode == store.ModeSequence && !strings.EqualFold(ds.Kind, "api") {
		if v, ok := maxSequence(ctx, duckDB, dest, task.SequenceColumn); ok {
			watermark = v
		}
	}

	if err := c.store.MarkRunning(ctx, task.ID, c.now().UTC()); err != nil {
		return fail(err)
	}
	run, err := c.store.StartRun(ctx, task.ID, ds.ID, task.Mode)
	if err != nil {
		return fail(err)
	}

	cb := c.callbacks(ctx, task.ID)
	started := c.now()
	newWatermark := ""

	switch {
	case strings.EqualFold(ds.Kind, "api"):
		opts, err := compile.ParseDatasourceOptions([]byte(ds.Options))
		if err == nil {
			var cfg *ingest.Config
			cfg, err = ingest.ParseConfig(opts.API)
			if err == nil {
				var res *ingest.Result
				res, err = ingest.Run(ctx, ingest.Job{
					Config:    cfg,
					Dest:      duckDB,
					DestTable: dest,
					LastDate:  watermark,
					Now:       c.now(),
				}, ingest.Callbacks{
					OnProgress:  cb.OnProgress,
					OnPhase:     cb.OnPhase,
					ShouldAbort: cb.ShouldAbort,
				})
				if res != nil {
					out.RowCount = res.RowCount
					out.Aborted = res.Aborted
					if res.Window != nil && !res.Aborted {
						newWatermark = res.Window.End.Format("2006-01-02")
					}
				}
			}
		}
		out.Error = errString(err)

	case task.Mode == store.ModeSnapshot:
		src, err := c.source(ctx, ds, task)
		if err == nil {
			var res *SnapshotResult
			res, err = RunSnapshot(ctx, SnapshotJob{
				Source:    src,
				Dest:      Dest{DB: duckDB, Table: dest},
				BatchSize: task.BatchSize,
			}, cb)
			if res != nil {
				out.RowCount = res.RowCount
				out.Aborted = res.Aborted
			}
		}
		out.Error = errString(err)

	default:
		src, err := c.source(ctx, ds, task)
		if err == nil {
			var res *SequenceResult
			res, err = RunSequence(ctx, SequenceJob{
				Source:         src,
				Dest:           Dest{DB: duckDB, Table: dest},
				SequenceColumn: task.SequenceColumn,
				PKColumns:      task.PKColumns,
				LastSequence:   watermark,
				BatchSize:      task.BatchSize,
				MaxBatches:     task.MaxBatches,
			}, cb)
			if res != nil {
				out.RowCount = res.RowCount
				out.Aborted = res.Aborted
				newWatermark = res.LastSequence
			}
		}
		out.Error = errString(err)
	}

	final := out.Error
	if final == "" && out.Aborted {
		final = "aborted"
	}
	bg := context.WithoutCancel(ctx)
	if err := c.store.FinishState(bg, task.ID, store.RunOutcome{
		RowCount:     out.RowCount,
		Error:        final,
		EmbeddedPath: path,
	}); err != nil {
		slog.Warn("finalizing sync state", "task", task.ID, "error", err)
	}
	if err := c.store.FinishRun(bg, run.ID, out.RowCount, final); err != nil {
		slog.Warn("finalizing run log", "task", task.ID, "error", err)
	}
	if newWatermark != "" && newWatermark != watermark {
		if err := c.store.SetWatermark(bg, task.ID, newWatermark); err != nil {
			slog.Warn("persisting watermark", "task", task.ID, "error", err)
		}
	}

	outcome := "ok"
	switch {
	case out.Error != "":
		outcome = "error"
	case out.Aborted:
		outcome = "aborted"
	}
	syncRuns.WithLabelValues(task.Mode, outcome).Inc()
	syncRows.Add(float64(out.RowCount))
	syncDuration.WithLabelValues(task.Mode).Observe(time.Since(started).Seconds())
	return out
}

// source opens the pooled remote engine the task copies from.
func (c *Coordinator) source(ctx context.Context, ds *store.Datasource, task *store.SyncTask) (Source, error) {
	dialect, err := database.DialectForKind(ds.Kind)
	if err != nil {
		return Source{}, apperr.Wrap(err, apperr.BadRequest, "datasource %s", ds.ID)
	}
	engine, err := c.pool.Get(ctx, dialect, ds.DSN)
	if err != nil {
		return Source{}, err
	}
	return Source{
		DB:            engine.DB,
		Dialect:       dialect,
		Schema:        task.SourceSchema,
		Table:         task.SourceTable,
		CustomQuery:   task.CustomQuery,
		SelectColumns: task.SelectColumns,
	}, nil
}

// callbacks bridges engine progress into the store. Writes are best-effort;
// a failed heartbeat must not kill the copy.
func (c *Coordinator) callbacks(ctx context.Context, taskID string) Callbacks {
	return Callbacks{
		OnProgress: func(current, total int64) {
			if err := c.store.UpdateProgress(ctx, taskID, current, total); err != nil {
				slog.Debug("writing sync progress", "task", taskID, "error", err)
			}
		},
		OnPhase: func(phase string) {
			if err := c.store.UpdatePhase(ctx, taskID, phase); err != nil {
				slog.Debug("writing sync phase", "task", taskID, "error", err)
			}
		},
		ShouldAbort: func() bool {
			cancel, err := c.store.CancelRequested(ctx, taskID)
			if err != nil {
				slog.Debug("polling cancel flag", "task", taskID, "error", err)
				return false
			}
			return cancel
		},
	}
}

// refreshGroupWatermarks re-reads MAX(sequence) for sequence tasks sharing
// the snapshot's group, since the snapshot just replaced their destination.
func (c *Coordinator) refreshGroupWatermarks(ctx context.Context, ds *store.Datasource, snap *store.SyncTask, tasks []store.SyncTask) {
	duckDB := c.duck.DB()
	for i := range tasks {
		t := &tasks[i]
		if t.ID == snap.ID || t.GroupKey != snap.GroupKey || t.Mode != store.ModeSequence {
			continue
		}
		dest := c.destTable(ds, t.DestTable)
		if v, ok := maxSequence(ctx, duckDB, dest, t.SequenceColumn); ok {
			if err := c.store.SetWatermark(ctx, t.ID, v); err != nil {
				slog.Warn("refreshing watermark after snapshot", "task", t.ID, "error", err)
			}
		} else if err := c.store.ClearWatermark(ctx, t.ID); err != nil {
			slog.Warn("clearing watermark after snapshot", "task", t.ID, "error", err)
		}
	}
}

// maxSequence reads the destination's high-water sequence value, rendered
// the way watermarks are persisted.
func maxSequence(ctx context.Context, db DB, table, column string) (string, bool) {
	if column == "" || !database.DestTableExists(ctx, db, table) {
		return "", false
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT MAX(%s) FROM %s",
		database.QuoteDest(column), database.QuoteDest(table)))
	if err != nil {
		return "", false
	}
	defer rows.Close()
	if !rows.Next() {
		return "", false
	}
	var v any
	if err := rows.Scan(&v); err != nil || v == nil {
		return "", false
	}
	return cellString(v), true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Abort requests cancellation. With a task ID the task must be running;
// without one every running task of the datasource is flagged and their IDs
// returned.
func (c *Coordinator) Abort(ctx context.Context, datasourceID, taskID, actor string) ([]string, error) {
	ds, err := c.store.AccessibleDatasource(ctx, datasourceID, actor)
	if err != nil {
		return nil, err
	}
	if taskID != "" {
		task, err := c.store.Task(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.DatasourceID != ds.ID {
			return nil, apperr.New(apperr.NotFound, "task %s does not belong to datasource %s", taskID, ds.ID)
		}
		ok, err := c.store.RequestCancel(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.New(apperr.Conflict, "task %s is not running", taskID)
		}
		return []string{taskID}, nil
	}

	states, err := c.store.StatesForDatasource(ctx, ds.ID)
	if err != nil {
		return nil, err
	}
	var flagged []string
	for _, st := range states {
		if !st.InProgress {
			continue
		}
		ok, err := c.store.RequestCancel(ctx, st.TaskID)
		if err != nil {
			return nil, err
		}
		if ok {
			flagged = append(flagged, st.TaskID)
		}
	}
	return flagged, nil
}

// ResetStuck clears in-progress flags whose heartbeat went silent and
// deletes locks older than the same cutoff. Returns how many states were
// reset.
func (c *Coordinator) ResetStuck(ctx context.Context, datasourceID, actor string) (int64, error) {
	ds, err := c.store.AccessibleDatasource(ctx, datasourceID, actor)
	if err != nil {
		return 0, err
	}
	cutoff := c.now().UTC().Add(-StuckAfter)
	n, err := c.store.ResetStuck(ctx, ds.ID, cutoff)
	if err != nil {
		return 0, err
	}
	if _, err := c.store.ReleaseStaleLocks(ctx, cutoff); err != nil {
		return n, err
	}
	return n, nil
}

// TaskStatus pairs a task with its state; State is nil before the first
// run.
type TaskStatus struct {
	Task  store.SyncTask
	State *store.SyncState
}

// Status reports every task of the datasource with its current state.
func (c *Coordinator) Status(ctx context.Context, datasourceID, actor string) ([]TaskStatus, error) {
	ds, err := c.store.AccessibleDatasource(ctx, datasourceID, actor)
	if err != nil {
		return nil, err
	}
	tasks, err := c.store.ListTasks(ctx, ds.ID)
	if err != nil {
		return nil, err
	}
	states, err := c.store.StatesForDatasource(ctx, ds.ID)
	if err != nil {
		return nil, err
	}
	byTask := make(map[string]*store.SyncState, len(states))
	for i := range states {
		byTask[states[i].TaskID] = &states[i]
	}
	out := make([]TaskStatus, len(tasks))
	for i, t := range tasks {
		out[i] = TaskStatus{Task: t, State: byTask[t.ID]}
	}
	return out, nil
}

// Runs returns the datasource's run log, newest first.
func (c *Coordinator) Runs(ctx context.Context, datasourceID, actor string, limit int) ([]store.SyncRun, error) {
	ds, err := c.store.AccessibleDatasource(ctx, datasourceID, actor)
	if err != nil {
		return nil, err
	}
	return c.store.ListRuns(ctx, ds.ID, limit)
}

// Flush drops a task's destination (and its gap-fill shadow) and clears the
// watermark, forcing the next run to rebuild from scratch. Running tasks
// cannot be flushed.
func (c *Coordinator) Flush(ctx context.Context, datasourceID, taskID, actor string) error {
	ds, err := c.store.AccessibleDatasource(ctx, datasourceID, actor)
	if err != nil {
		return err
	}
	task, err := c.store.Task(ctx, taskID)
	if err != nil {
		return err
	}
	if task.DatasourceID != ds.ID {
		return apperr.New(apperr.NotFound, "task %s does not belong to datasource %s", taskID, ds.ID)
	}
	if state, err := c.store.State(ctx, taskID); err == nil && state.InProgress {
		return apperr.New(apperr.Conflict, "task %s is running; abort it before flushing", taskID)
	}

	duckDB := c.duck.DB()
	dest := c.destTable(ds, task.DestTable)
	for _, table := range []string{dest, dest + "_filled"} {
		if _, err := duckDB.ExecContext(ctx, "DROP TABLE IF EXISTS "+database.QuoteDest(table)); err != nil {
			return errors.Wrapf(err, "dropping destination %s", table)
		}
	}
	return c.store.ClearWatermark(ctx, taskID)
}
