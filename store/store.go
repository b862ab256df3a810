// Package store persists the sync control plane: datasources and their
// shares, sync tasks, per-task mutable state, the append-only run log and
// the cross-process lock table. It runs on any database/sql backend; the
// bundled DDL targets the sqlite default, other backends are expected to
// be provisioned externally.
package store

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/database"
	"github.com/facetql/facetql/database/sqlite3"
)

var schemaDDLs = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS datasource (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		dsn TEXT NOT NULL DEFAULT '',
		options TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT 1,
		max_concurrent_syncs INTEGER NOT NULL DEFAULT 1,
		blackout_windows TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS datasource_share (
		datasource_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (datasource_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_task (
		id TEXT PRIMARY KEY,
		datasource_id TEXT NOT NULL,
		source_schema TEXT NOT NULL DEFAULT '',
		source_table TEXT NOT NULL DEFAULT '',
		dest_table TEXT NOT NULL,
		mode TEXT NOT NULL,
		pk_columns TEXT NOT NULL DEFAULT '[]',
		select_columns TEXT NOT NULL DEFAULT '[]',
		sequence_column TEXT NOT NULL DEFAULT '',
		batch_size INTEGER NOT NULL DEFAULT 0,
		max_batches INTEGER NOT NULL DEFAULT 0,
		schedule_cron TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT 1,
		group_key TEXT NOT NULL DEFAULT '',
		custom_query TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_task_datasource ON sync_task (datasource_id)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		task_id TEXT PRIMARY KEY,
		last_sequence_value TEXT,
		last_run_at TIMESTAMP,
		last_row_count INTEGER,
		in_progress BOOLEAN NOT NULL DEFAULT 0,
		cancel_requested BOOLEAN NOT NULL DEFAULT 0,
		progress_current INTEGER NOT NULL DEFAULT 0,
		progress_total INTEGER NOT NULL DEFAULT 0,
		progress_phase TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP,
		error TEXT NOT NULL DEFAULT '',
		last_embedded_path TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_run (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		datasource_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		row_count INTEGER,
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_run_datasource ON sync_run (datasource_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS sync_lock (
		group_key TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		acquired_at TIMESTAMP NOT NULL
	)`,
}

// Store wraps the metadata database. All methods issue short independent
// statements so progress and the cancel flag stay observable from other
// sessions mid-run.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open metadata database. driverName picks the
// placeholder style for rebinding; unknown drivers keep `?`.
func New(db *sql.DB, driverName string) *Store {
	return &Store{db: sqlx.NewDb(db, driverName)}
}

// Open opens (creating if needed) a sqlite metadata database at path and
// applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlite3.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metadata store %s", path)
	}
	s := New(db, "sqlite")
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init applies the schema. Statements are idempotent.
func (s *Store) Init(ctx context.Context) error {
	return database.RunDDLs(ctx, s.db, schemaDDLs, database.SlogLogger{})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and migrations.
func (s *Store) DB() *sqlx.DB { return s.db }

// ---- datasources ----

// Datasource loads one datasource row.
func (s *Store) Datasource(ctx context.Context, id string) (*Datasource, error) {
	var ds Datasource
	err := s.db.GetContext(ctx, &ds, s.db.Rebind(
		`SELECT * FROM datasource WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "datasource %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading datasource %s", id)
	}
	return &ds, nil
}

// CheckAccess enforces the owner-or-share rule. An empty actor is treated
// as an unauthenticated caller.
func (s *Store) CheckAccess(ctx context.Context, ds *Datasource, actor string) error {
	if actor == "" {
		return apperr.New(apperr.Unauthorized, "missing actor identity")
	}
	if ds.OwnerID == "" || ds.OwnerID == actor {
		return nil
	}
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM datasource_share WHERE datasource_id = ? AND user_id = ?`),
		ds.ID, actor)
	if err != nil {
		return errors.Wrapf(err, "checking share for datasource %s", ds.ID)
	}
	if n == 0 {
		return apperr.New(apperr.Forbidden, "actor %s has no access to datasource %s", actor, ds.ID)
	}
	return nil
}

// AccessibleDatasource loads a datasource and verifies the actor may use it.
func (s *Store) AccessibleDatasource(ctx context.Context, id, actor string) (*Datasource, error) {
	ds, err := s.Datasource(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.CheckAccess(ctx, ds, actor); err != nil {
		return nil, err
	}
	return ds, nil
}

// PutDatasource inserts or replaces a datasource row. Mainly used by tests
// and the CLI; production rows are provisioned by the surrounding platform.
func (s *Store) PutDatasource(ctx context.Context, ds *Datasource) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning datasource upsert")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM datasource WHERE id = ?`), ds.ID); err != nil {
		return errors.Wrap(err, "replacing datasource")
	}
	_, err = tx.NamedExecContext(ctx, `INSERT INTO datasource
		(id, name, kind, dsn, options, owner_id, active, max_concurrent_syncs, blackout_windows)
		VALUES (:id, :name, :kind, :dsn, :options, :owner_id, :active, :max_concurrent_syncs, :blackout_windows)`, ds)
	if err != nil {
		return errors.Wrap(err, "inserting datasource")
	}
	return errors.Wrap(tx.Commit(), "committing datasource upsert")
}

// PutShare grants a user access to a datasource.
func (s *Store) PutShare(ctx context.Context, datasourceID, userID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM datasource_share WHERE datasource_id = ? AND user_id = ?`), datasourceID, userID)
	if err != nil {
		return errors.Wrap(err, "replacing share")
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO datasource_share (datasource_id, user_id) VALUES (?, ?)`), datasourceID, userID)
	return errors.Wrap(err, "inserting share")
}

// ---- tasks ----

// Task loads one sync task.
func (s *Store) Task(ctx context.Context, id string) (*SyncTask, error) {
	var t SyncTask
	err := s.db.GetContext(ctx, &t, s.db.Rebind(`SELECT * FROM sync_task WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "sync task %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading sync task %s", id)
	}
	return &t, nil
}

// ListTasks returns all tasks of a datasource, disabled ones included.
func (s *Store) ListTasks(ctx context.Context, datasourceID string) ([]SyncTask, error) {
	var tasks []SyncTask
	err := s.db.SelectContext(ctx, &tasks, s.db.Rebind(
		`SELECT * FROM sync_task WHERE datasource_id = ? ORDER BY id`), datasourceID)
	return tasks, errors.Wrapf(err, "listing tasks for datasource %s", datasourceID)
}

// PutTask inserts or replaces a task. A missing groupKey is derived from
// the source and destination coordinates.
func (s *Store) PutTask(ctx context.Context, t *SyncTask) error {
	if t.GroupKey == "" {
		t.GroupKey = GroupKey(t.DatasourceID, t.SourceSchema, t.SourceTable, t.DestTable)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning task upsert")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sync_task WHERE id = ?`), t.ID); err != nil {
		return errors.Wrap(err, "replacing task")
	}
	_, err = tx.NamedExecContext(ctx, `INSERT INTO sync_task
		(id, datasource_id, source_schema, source_table, dest_table, mode, pk_columns,
		 select_columns, sequence_column, batch_size, max_batches, schedule_cron, enabled,
		 group_key, custom_query)
		VALUES (:id, :datasource_id, :source_schema, :source_table, :dest_table, :mode,
		 :pk_columns, :select_columns, :sequence_column, :batch_size, :max_batches,
		 :schedule_cron, :enabled, :group_key, :custom_query)`, t)
	if err != nil {
		return errors.Wrap(err, "inserting task")
	}
	return errors.Wrap(tx.Commit(), "committing task upsert")
}

// ---- state lifecycle ----

// State loads the mutable state of a task.
func (s *Store) State(ctx context.Context, taskID string) (*SyncState, error) {
	var st SyncState
	err := s.db.GetContext(ctx, &st, s.db.Rebind(`SELECT * FROM sync_state WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "no sync state for task %s", taskID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading sync state for task %s", taskID)
	}
	return &st, nil
}

// EnsureState creates the state row on first use and returns it.
func (s *Store) EnsureState(ctx context.Context, taskID string) (*SyncState, error) {
	st, err := s.State(ctx, taskID)
	if err == nil {
		return st, nil
	}
	if apperr.KindOf(err) != apperr.NotFound {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO sync_state (task_id, updated_at) VALUES (?, ?)`),
		taskID, time.Now().UTC())
	if err != nil && !isUniqueViolation(err) {
		return nil, errors.Wrapf(err, "creating sync state for task %s", taskID)
	}
	return s.State(ctx, taskID)
}

// StatesForDatasource returns the states of all tasks under a datasource.
// Tasks that never ran have no state row and are absent.
func (s *Store) StatesForDatasource(ctx context.Context, datasourceID string) ([]SyncState, error) {
	var states []SyncState
	err := s.db.SelectContext(ctx, &states, s.db.Rebind(
		`SELECT st.* FROM sync_state st
		 WHERE st.task_id IN (SELECT id FROM sync_task WHERE datasource_id = ?)
		 ORDER BY st.task_id`), datasourceID)
	return states, errors.Wrapf(err, "listing states for datasource %s", datasourceID)
}

// MarkRunning flips a task into the in-progress state and resets its
// progress fields for a fresh run.
func (s *Store) MarkRunning(ctx context.Context, taskID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_state SET in_progress = ?, cancel_requested = ?,
		 progress_current = 0, progress_total = 0, progress_phase = '',
		 started_at = ?, error = '', updated_at = ? WHERE task_id = ?`),
		true, false, now, now, taskID)
	return errors.Wrapf(err, "marking task %s running", taskID)
}

// RunOutcome is what FinishState records when a run ends, successfully or
// not.
type RunOutcome struct {
	RowCount     int64
	Error        string
	EmbeddedPath string
}

// FinishState clears the in-progress flag and records the run outcome.
func (s *Store) FinishState(ctx context.Context, taskID string, out RunOutcome) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_state SET in_progress = ?, cancel_requested = ?,
		 last_run_at = ?, last_row_count = ?, error = ?, last_embedded_path = ?,
		 updated_at = ? WHERE task_id = ?`),
		false, false, now, out.RowCount, out.Error, out.EmbeddedPath, now, taskID)
	return errors.Wrapf(err, "finishing state for task %s", taskID)
}

// UpdateProgress writes a progress tick. updated_at doubles as the
// heartbeat consulted by stuck-run recovery.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, current, total int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_state SET progress_current = ?, progress_total = ?, updated_at = ?
		 WHERE task_id = ?`),
		current, total, time.Now().UTC(), taskID)
	return errors.Wrapf(err, "updating progress for task %s", taskID)
}

// UpdatePhase records the phase the engine is in (fetch, insert).
func (s *Store) UpdatePhase(ctx context.Context, taskID, phase string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_state SET progress_phase = ?, updated_at = ? WHERE task_id = ?`),
		phase, time.Now().UTC(), taskID)
	return errors.Wrapf(err, "updating phase for task %s", taskID)
}

// RequestCancel sets the cooperative abort flag. It only applies to a
// running task; the returned bool reports whether a run was flagged.
func (s *Store) RequestCancel(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_state SET cancel_requested = ?, updated_at = ?
		 WHERE task_id = ? AND in_progress = ?`),
		true, time.Now().UTC(), taskID, true)
	if err != nil {
		return false, errors.Wrapf(err, "requesting cancel for task %s", taskID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reading cancel result")
	}
	return n > 0, nil
}

// CancelRequested reads the abort flag through an independent statement so
// the engine's own session cannot shadow it.
func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flagged bool
	err := s.db.GetContext(ctx, &flagged, s.db.Rebind(
		`SELECT cancel_requested FROM sync_state WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return flagged, errors.Wrapf(err, "reading cancel flag for task %s", taskID)
}

// SetWatermark records the last synced sequence value.
func (s *Store) SetWatermark(ctx context.Context, taskID, value string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_state SET last_sequence_value = ?, updated_at = ? WHERE task_id = ?`),
		value, time.Now().UTC(), taskID)
	return errors.Wrapf(err, "setting watermark for task %s", taskID)
}

// ClearWatermark drops the watermark so the next sequence run starts from
// scratch. Used when the embedded path changes and on destination flush.
func (s *Store) ClearWatermark(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_state SET last_sequence_value = NULL, updated_at = ? WHERE task_id = ?`),
		time.Now().UTC(), taskID)
	return errors.Wrapf(err, "clearing watermark for task %s", taskID)
}

// InProgressCount counts running tasks under a datasource, for the
// per-datasource concurrency cap.
func (s *Store) InProgressCount(ctx context.Context, datasourceID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM sync_state WHERE in_progress = ?
		 AND task_id IN (SELECT id FROM sync_task WHERE datasource_id = ?)`),
		true, datasourceID)
	return n, errors.Wrapf(err, "counting running tasks for datasource %s", datasourceID)
}

// ResetStuck clears the in-progress flag of states whose heartbeat is
// older than cutoff. Crashed workers leave such states behind.
func (s *Store) ResetStuck(ctx context.Context, datasourceID string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_state SET in_progress = ?, cancel_requested = ?, updated_at = ?
		 WHERE in_progress = ? AND updated_at < ?
		 AND task_id IN (SELECT id FROM sync_task WHERE datasource_id = ?)`),
		false, false, time.Now().UTC(), true, cutoff, datasourceID)
	if err != nil {
		return 0, errors.Wrapf(err, "resetting stuck states for datasource %s", datasourceID)
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "reading reset count")
}

// ---- run log ----

// StartRun appends a run-log row and returns it.
func (s *Store) StartRun(ctx context.Context, taskID, datasourceID, mode string) (*SyncRun, error) {
	run := &SyncRun{
		ID:           uuid.New().String(),
		TaskID:       taskID,
		DatasourceID: datasourceID,
		Mode:         mode,
		StartedAt:    time.Now().UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO sync_run
		(id, task_id, datasource_id, mode, started_at, error)
		VALUES (:id, :task_id, :datasource_id, :mode, :started_at, :error)`, run)
	if err != nil {
		return nil, errors.Wrapf(err, "starting run log for task %s", taskID)
	}
	return run, nil
}

// FinishRun closes a run-log row.
func (s *Store) FinishRun(ctx context.Context, runID string, rowCount int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_run SET finished_at = ?, row_count = ?, error = ? WHERE id = ?`),
		time.Now().UTC(), rowCount, errMsg, runID)
	return errors.Wrapf(err, "finishing run %s", runID)
}

// ListRuns returns the newest runs of a datasource, newest first.
func (s *Store) ListRuns(ctx context.Context, datasourceID string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []SyncRun
	err := s.db.SelectContext(ctx, &runs, s.db.Rebind(
		`SELECT * FROM sync_run WHERE datasource_id = ? ORDER BY started_at DESC, id LIMIT ?`),
		datasourceID, limit)
	return runs, errors.Wrapf(err, "listing runs for datasource %s", datasourceID)
}

// ---- locks ----

// AcquireLocks takes the sync locks for the given group keys, all or
// nothing. Keys are deduplicated and acquired in lexicographic order so
// concurrent invocations cannot deadlock. Busy keys surface as a Conflict
// naming them.
func (s *Store) AcquireLocks(ctx context.Context, taskID string, groupKeys []string) error {
	keys := dedupeSorted(groupKeys)
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning lock acquisition")
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(`SELECT group_key FROM sync_lock WHERE group_key IN (?) ORDER BY group_key`, keys)
	if err != nil {
		return errors.Wrap(err, "expanding lock query")
	}
	var busy []string
	if err := tx.SelectContext(ctx, &busy, tx.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "checking existing locks")
	}
	if len(busy) > 0 {
		return busyConflict(busy)
	}

	now := time.Now().UTC()
	for _, key := range keys {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO sync_lock (group_key, task_id, acquired_at) VALUES (?, ?, ?)`),
			key, taskID, now)
		if isUniqueViolation(err) {
			return busyConflict([]string{key})
		}
		if err != nil {
			return errors.Wrapf(err, "acquiring lock %s", key)
		}
	}
	return errors.Wrap(tx.Commit(), "committing lock acquisition")
}

// ReleaseLocks deletes the locks for the given group keys. Also used for
// the force-run path, which clears stale locks before reacquiring.
func (s *Store) ReleaseLocks(ctx context.Context, groupKeys []string) error {
	keys := dedupeSorted(groupKeys)
	if len(keys) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM sync_lock WHERE group_key IN (?)`, keys)
	if err != nil {
		return errors.Wrap(err, "expanding lock delete")
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return errors.Wrap(err, "releasing locks")
}

// ReleaseStaleLocks drops locks older than cutoff, recovering from
// workers that died while holding them.
func (s *Store) ReleaseStaleLocks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM sync_lock WHERE acquired_at < ?`), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "releasing stale locks")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "reading stale lock count")
}

// Locks lists the currently held locks, for status output.
func (s *Store) Locks(ctx context.Context) ([]SyncLock, error) {
	var locks []SyncLock
	err := s.db.SelectContext(ctx, &locks, `SELECT * FROM sync_lock ORDER BY group_key`)
	return locks, errors.Wrap(err, "listing locks")
}

func busyConflict(busy []string) error {
	return apperr.New(apperr.Conflict,
		"a sync is already running for group key(s) %s; retry after it finishes or force-run",
		strings.Join(busy, ", "))
}

func dedupeSorted(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// isUniqueViolation sniffs duplicate-key failures across backends; the
// drivers expose no shared error type for it.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
