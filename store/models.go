package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Sync task modes.
const (
	ModeSequence = "sequence"
	ModeSnapshot = "snapshot"
)

// Progress phases recorded on SyncState.
const (
	PhaseFetch  = "fetch"
	PhaseInsert = "insert"
)

// Datasource rows are provisioned externally; the engine only reads them.
type Datasource struct {
	ID                 string `db:"id"`
	Name               string `db:"name"`
	Kind               string `db:"kind"`
	DSN                string `db:"dsn"`
	Options            string `db:"options"`
	OwnerID            string `db:"owner_id"`
	Active             bool   `db:"active"`
	MaxConcurrentSyncs int    `db:"max_concurrent_syncs"`
	BlackoutWindows    string `db:"blackout_windows"`
}

type DatasourceShare struct {
	DatasourceID string `db:"datasource_id"`
	UserID       string `db:"user_id"`
}

type User struct {
	ID    string `db:"id"`
	Name  string `db:"name"`
	Email string `db:"email"`
}

// SyncTask describes one table to keep synced into the embedded store.
type SyncTask struct {
	ID             string      `db:"id"`
	DatasourceID   string      `db:"datasource_id"`
	SourceSchema   string      `db:"source_schema"`
	SourceTable    string      `db:"source_table"`
	DestTable      string      `db:"dest_table"`
	Mode           string      `db:"mode"`
	PKColumns      JSONStrings `db:"pk_columns"`
	SelectColumns  JSONStrings `db:"select_columns"`
	SequenceColumn string      `db:"sequence_column"`
	BatchSize      int         `db:"batch_size"`
	MaxBatches     int         `db:"max_batches"`
	ScheduleCron   string      `db:"schedule_cron"`
	Enabled        bool        `db:"enabled"`
	GroupKey       string      `db:"group_key"`
	CustomQuery    string      `db:"custom_query"`
}

// SyncState is the mutable side of a task, created lazily on first run.
// UpdatedAt doubles as the heartbeat for stuck-run recovery.
type SyncState struct {
	TaskID            string         `db:"task_id"`
	LastSequenceValue sql.NullString `db:"last_sequence_value"`
	LastRunAt         sql.NullTime   `db:"last_run_at"`
	LastRowCount      sql.NullInt64  `db:"last_row_count"`
	InProgress        bool           `db:"in_progress"`
	CancelRequested   bool           `db:"cancel_requested"`
	ProgressCurrent   int64          `db:"progress_current"`
	ProgressTotal     int64          `db:"progress_total"`
	ProgressPhase     string         `db:"progress_phase"`
	StartedAt         sql.NullTime   `db:"started_at"`
	Error             string         `db:"error"`
	LastEmbeddedPath  string         `db:"last_embedded_path"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// SyncRun is one row of the append-only run log.
type SyncRun struct {
	ID           string        `db:"id"`
	TaskID       string        `db:"task_id"`
	DatasourceID string        `db:"datasource_id"`
	Mode         string        `db:"mode"`
	StartedAt    time.Time     `db:"started_at"`
	FinishedAt   sql.NullTime  `db:"finished_at"`
	RowCount     sql.NullInt64 `db:"row_count"`
	Error        string        `db:"error"`
}

// SyncLock is the cross-process mutual exclusion row for one destination
// group.
type SyncLock struct {
	GroupKey   string    `db:"group_key"`
	TaskID     string    `db:"task_id"`
	AcquiredAt time.Time `db:"acquired_at"`
}

// GroupKey derives the mutual-exclusion key for a destination group. Tasks
// sharing source and destination share the key, and therefore never run
// concurrently.
func GroupKey(datasourceID, sourceSchema, sourceTable, destTable string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s", datasourceID, sourceSchema, sourceTable, destTable)
	return strconv.FormatUint(h.Sum64(), 16)
}

// JSONStrings stores a string list as a JSON text column.
type JSONStrings []string

func (j JSONStrings) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal([]string(j))
	if err != nil {
		return nil, errors.Wrap(err, "encoding string list")
	}
	return string(raw), nil
}

func (j *JSONStrings) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.Errorf("cannot scan %T into string list", src)
	}
	if len(raw) == 0 {
		*j = nil
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, (*[]string)(j)), "decoding string list")
}
