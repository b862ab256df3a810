// Package sync copies tables from registered datasources into the embedded
// analytical store, either incrementally along a sequence column or as full
// snapshots staged behind an atomic rename.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/compile"
	"github.com/facetql/facetql/database"
)

// Copy phases reported through OnPhase.
const (
	PhaseFetch  = "fetch"
	PhaseInsert = "insert"
)

const (
	// DefaultBatchSize bounds one fetch when the task does not set its own.
	DefaultBatchSize = 10000
	// DefaultMaxBatches caps a single sequence invocation.
	DefaultMaxBatches = 1000

	// sampleRows is how many rows feed destination type inference.
	sampleRows = 64
)

// Callbacks is the cooperative progress contract. All three are invoked
// synchronously from the copy loop; ShouldAbort is polled between batches
// and again before each insert. Nil members are skipped.
type Callbacks struct {
	OnProgress  func(current, total int64)
	OnPhase     func(phase string)
	ShouldAbort func() bool
}

func (cb Callbacks) progress(current, total int64) {
	if cb.OnProgress != nil {
		cb.OnProgress(current, total)
	}
}

func (cb Callbacks) phase(p string) {
	if cb.OnPhase != nil {
		cb.OnPhase(p)
	}
}

func (cb Callbacks) aborted() bool {
	return cb.ShouldAbort != nil && cb.ShouldAbort()
}

// DB is the handle the engine needs on either side of a copy. *sql.DB
// satisfies it.
type DB interface {
	database.Querier
	database.Execer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Source describes where rows come from.
type Source struct {
	DB      DB
	Dialect database.Dialect
	Schema  string
	Table   string
	// CustomQuery replaces the table reference when set.
	CustomQuery string
	// SelectColumns narrows the copied column set; empty means all.
	SelectColumns []string
}

// rel returns the FROM-clause relation for the source.
func (s Source) rel() string {
	if q := strings.TrimSpace(s.CustomQuery); q != "" {
		return "(" + strings.TrimSuffix(q, ";") + ") AS _src"
	}
	name := s.Table
	if s.Schema != "" {
		name = s.Schema + "." + s.Table
	}
	return compile.QuoteSource(s.Dialect, name)
}

func (s Source) selectList() string {
	if len(s.SelectColumns) == 0 {
		return "*"
	}
	quoted := make([]string, len(s.SelectColumns))
	for i, c := range s.SelectColumns {
		quoted[i] = compile.QuoteIdent(s.Dialect, c)
	}
	return strings.Join(quoted, ", ")
}

// Dest describes the embedded destination table.
type Dest struct {
	DB    DB
	Table string
}

// SequenceJob is one incremental copy along a monotone sequence column.
type SequenceJob struct {
	Source         Source
	Dest           Dest
	SequenceColumn string
	PKColumns      []string
	// LastSequence is the persisted watermark; empty means no prior run.
	LastSequence string
	BatchSize    int
	MaxBatches   int
}

// SequenceResult reports what a sequence run did. On abort the counts and
// watermark reflect the batches that completed.
type SequenceResult struct {
	RowCount     int64
	LastSequence string
	Aborted      bool
}

// RunSequence pulls batches past the watermark and upserts them into the
// destination by primary key. The watermark only advances over fully
// inserted batches, so an aborted run resumes where it stopped.
func RunSequence(ctx context.Context, job SequenceJob, cb Callbacks) (*SequenceResult, error) {
	if job.SequenceColumn == "" {
		return nil, apperr.New(apperr.BadRequest, "sequence task requires a sequence column")
	}
	if job.BatchSize <= 0 {
		job.BatchSize = DefaultBatchSize
	}
	if job.MaxBatches <= 0 {
		job.MaxBatches = DefaultMaxBatches
	}

	res := &SequenceResult{LastSequence: job.LastSequence}
	destReady := database.DestTableExists(ctx, job.Dest.DB, job.Dest.Table)

	for batch := 0; batch < job.MaxBatches; batch++ {
		if cb.aborted() {
			res.Aborted = true
			return res, nil
		}
		cb.phase(PhaseFetch)

		query, args := sequenceBatchSQL(job, res.LastSequence)
		cols, rows, err := fetchRows(ctx, job.Source.DB, query, args...)
		if err != nil {
			return res, errors.Wrapf(err, "fetching batch %d from %s", batch+1, job.Source.rel())
		}
		if len(rows) == 0 {
			break
		}

		seqIdx := columnIndex(cols, job.SequenceColumn)
		if seqIdx < 0 {
			return res, apperr.New(apperr.BadRequest,
				"sequence column %s is not in the copied column set", job.SequenceColumn)
		}

		if !destReady {
			specs := database.InferColumns(cols, sampleOf(rows))
			if _, err := job.Dest.DB.ExecContext(ctx, database.CreateTableSQL(job.Dest.Table, specs)); err != nil {
				return res, errors.Wrapf(err, "creating destination %s", job.Dest.Table)
			}
			destReady = true
		} else if batch == 0 {
			if err := database.EnsureDestColumns(ctx, job.Dest.DB, job.Dest.Table, cols, sampleOf(rows)); err != nil {
				return res, err
			}
		}

		if cb.aborted() {
			res.Aborted = true
			return res, nil
		}
		cb.phase(PhaseInsert)
		cb.progress(res.RowCount, 0)

		if err := deleteByPK(ctx, job.Dest, job.PKColumns, cols, rows); err != nil {
			return res, err
		}
		if err := database.InsertDestRows(ctx, job.Dest.DB, job.Dest.Table, cols, rows); err != nil {
			return res, err
		}

		res.RowCount += int64(len(rows))
		res.LastSequence = cellString(rows[len(rows)-1][seqIdx])
		cb.progress(res.RowCount, 0)

		if len(rows) < job.BatchSize {
			break
		}
	}
	return res, nil
}

// SnapshotJob is one full copy staged into stg_<table> and swapped in.
type SnapshotJob struct {
	Source    Source
	Dest      Dest
	BatchSize int
}

// SnapshotResult reports what a snapshot run did.
type SnapshotResult struct {
	RowCount int64
	Aborted  bool
}

// RunSnapshot copies the whole source into a staging table and atomically
// replaces the destination with it. An abort drops the staging table and
// leaves the destination untouched.
func RunSnapshot(ctx context.Context, job SnapshotJob, cb Callbacks) (*SnapshotResult, error) {
	if job.BatchSize <= 0 {
		job.BatchSize = DefaultBatchSize
	}
	staging := "stg_" + job.Dest.Table
	res := &SnapshotResult{}

	if _, err := job.Dest.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+database.QuoteDest(staging)); err != nil {
		return res, errors.Wrapf(err, "dropping stale staging table %s", staging)
	}

	cb.phase(PhaseFetch)
	total, err := sourceCount(ctx, job.Source)
	if err != nil {
		return res, err
	}
	cb.progress(0, total)

	sampleCols, sample, err := fetchRows(ctx, job.Source.DB,
		chunkSQL(job.Source, sampleRows, 0))
	if err != nil {
		return res, errors.Wrapf(err, "sampling %s", job.Source.rel())
	}
	specs := database.InferColumns(sampleCols, sample)
	if _, err := job.Dest.DB.ExecContext(ctx, database.CreateTableSQL(staging, specs)); err != nil {
		return res, errors.Wrapf(err, "creating staging table %s", staging)
	}

	for offset := 0; ; offset += job.BatchSize {
		if cb.aborted() {
			res.Aborted = true
			dropTable(ctx, job.Dest.DB, staging)
			return res, nil
		}
		cb.phase(PhaseFetch)

		cols, rows, err := fetchRows(ctx, job.Source.DB, chunkSQL(job.Source, job.BatchSize, offset))
		if err != nil {
			return res, errors.Wrapf(err, "fetching snapshot chunk at offset %d", offset)
		}
		if len(rows) == 0 {
			break
		}

		if cb.aborted() {
			res.Aborted = true
			dropTable(ctx, job.Dest.DB, staging)
			return res, nil
		}
		cb.phase(PhaseInsert)
		if err := database.InsertDestRows(ctx, job.Dest.DB, staging, cols, rows); err != nil {
			return res, err
		}
		res.RowCount += int64(len(rows))
		cb.progress(res.RowCount, total)

		if len(rows) < job.BatchSize {
			break
		}
	}

	if err := swapTables(ctx, job.Dest.DB, staging, job.Dest.Table); err != nil {
		return res, err
	}
	return res, nil
}

// swapTables replaces dest with staging inside one transaction, the only
// externally visible transition of a snapshot.
func swapTables(ctx context.Context, db DB, staging, dest string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning staging swap")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+database.QuoteDest(dest)); err != nil {
		return errors.Wrapf(err, "dropping destination %s", dest)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
		database.QuoteDest(staging), database.QuoteDest(dest))); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", staging, dest)
	}
	return errors.Wrap(tx.Commit(), "committing staging swap")
}

func sequenceBatchSQL(job SequenceJob, lastSequence string) (string, []any) {
	seq := compile.QuoteIdent(job.Source.Dialect, job.SequenceColumn)
	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "SELECT %s FROM %s", job.Source.selectList(), job.Source.rel())
	if lastSequence != "" {
		fmt.Fprintf(&sb, " WHERE %s > ?", seq)
		args = append(args, watermarkValue(lastSequence))
	}
	fmt.Fprintf(&sb, " ORDER BY %s", seq)
	if job.Source.Dialect == database.DialectMSSQL {
		fmt.Fprintf(&sb, " OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", job.BatchSize)
	} else {
		fmt.Fprintf(&sb, " LIMIT %d", job.BatchSize)
	}
	return sqlx.Rebind(job.Source.Dialect.BindType(), sb.String()), args
}

// chunkSQL pages through the source without an explicit order; chunks
// follow the engine's natural scan order, as snapshot copies always have.
func chunkSQL(src Source, limit, offset int) string {
	if src.Dialect == database.DialectMSSQL {
		return fmt.Sprintf("SELECT %s FROM %s ORDER BY (SELECT NULL) OFFSET %d ROWS FETCH NEXT %d ROWS ONLY",
			src.selectList(), src.rel(), offset, limit)
	}
	return fmt.Sprintf("SELECT %s FROM %s LIMIT %d OFFSET %d",
		src.selectList(), src.rel(), limit, offset)
}

func sourceCount(ctx context.Context, src Source) (int64, error) {
	rows, err := src.DB.QueryContext(ctx, "SELECT COUNT(*) FROM "+src.rel())
	if err != nil {
		return 0, errors.Wrapf(err, "counting %s", src.rel())
	}
	defer rows.Close()
	var total int64
	if rows.Next() {
		if err := rows.Scan(&total); err != nil {
			return 0, errors.Wrap(err, "scanning count")
		}
	}
	return total, rows.Err()
}

// fetchRows scans a result set into raw cells. Byte slices are copied into
// strings because drivers reuse their buffers between rows.
func fetchRows(ctx context.Context, db database.Querier, query string, args ...any) ([]string, [][]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading columns")
	}
	var out [][]any
	for rows.Next() {
		cells := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, errors.Wrap(err, "scanning row")
		}
		for i, c := range cells {
			if b, ok := c.([]byte); ok {
				cells[i] = string(b)
			}
		}
		out = append(out, cells)
	}
	return cols, out, rows.Err()
}

// deleteByPK removes destination rows matching the batch's primary keys so
// the following insert acts as an upsert.
func deleteByPK(ctx context.Context, dest Dest, pkCols, cols []string, rows [][]any) error {
	if len(pkCols) == 0 || len(rows) == 0 {
		return nil
	}
	idx := make([]int, len(pkCols))
	for i, pk := range pkCols {
		idx[i] = columnIndex(cols, pk)
		if idx[i] < 0 {
			return apperr.New(apperr.BadRequest, "primary key column %s is not in the copied column set", pk)
		}
	}

	if len(pkCols) == 1 {
		chunk := database.MaxBindParams
		for start := 0; start < len(rows); start += chunk {
			end := min(start+chunk, len(rows))
			marks := strings.TrimSuffix(strings.Repeat("?, ", end-start), ", ")
			args := make([]any, 0, end-start)
			for _, row := range rows[start:end] {
				args = append(args, row[idx[0]])
			}
			query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
				database.QuoteDest(dest.Table), database.QuoteDest(pkCols[0]), marks)
			if _, err := dest.DB.ExecContext(ctx, query, args...); err != nil {
				return errors.Wrapf(err, "deleting existing rows from %s", dest.Table)
			}
		}
		return nil
	}

	cond := make([]string, len(pkCols))
	for i, pk := range pkCols {
		cond[i] = database.QuoteDest(pk) + " = ?"
	}
	rowCond := "(" + strings.Join(cond, " AND ") + ")"
	chunk := max(1, database.MaxBindParams/len(pkCols))
	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		conds := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*len(pkCols))
		for _, row := range rows[start:end] {
			conds = append(conds, rowCond)
			for _, j := range idx {
				args = append(args, row[j])
			}
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE %s",
			database.QuoteDest(dest.Table), strings.Join(conds, " OR "))
		if _, err := dest.DB.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "deleting existing rows from %s", dest.Table)
		}
	}
	return nil
}

func dropTable(ctx context.Context, db database.Execer, table string) {
	db.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+database.QuoteDest(table))
}

func sampleOf(rows [][]any) [][]any {
	if len(rows) > sampleRows {
		return rows[:sampleRows]
	}
	return rows
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// watermarkValue rebinds the persisted watermark string as a typed value
// so comparisons against numeric or temporal sequence columns stay sane.
func watermarkValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if t, ok := database.ParseTemporal(s); ok {
		return t
	}
	return s
}

// cellString renders an observed sequence cell for persistence.
func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
