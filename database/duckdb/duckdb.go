// Package duckdb owns the embedded columnar store: the process-wide shared
// handle on the active file, ephemeral handles on other files, and the
// sidecar marker that remembers the active path across restarts.
package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	duckdbdriver "github.com/marcboeker/go-duckdb"
	"github.com/pkg/errors"

	"github.com/facetql/facetql/database"
)

// markerFile is the sidecar written next to the data files. It holds the
// path of the active file so a restart reopens the same one.
const markerFile = "active_duckdb"

// Options are the engine pragmas applied to every connection.
type Options struct {
	Threads     int
	MemoryLimit string // duckdb size syntax, e.g. "2GB"
	TempDir     string
	ObjectCache bool
}

func DefaultOptions() Options {
	return Options{Threads: 4, MemoryLimit: "2GB", ObjectCache: true}
}

func (o Options) pragmas() []string {
	var stmts []string
	if o.Threads > 0 {
		stmts = append(stmts, fmt.Sprintf("SET threads TO %d", o.Threads))
	}
	if o.MemoryLimit != "" {
		stmts = append(stmts, fmt.Sprintf("SET memory_limit = '%s'", o.MemoryLimit))
	}
	if o.TempDir != "" {
		stmts = append(stmts, fmt.Sprintf("SET temp_directory = '%s'", o.TempDir))
	}
	if o.ObjectCache {
		stmts = append(stmts, "PRAGMA enable_object_cache")
	}
	return stmts
}

func init() {
	// Pooled engines opened straight from a duckdb DSN get the default
	// pragmas on every connection.
	database.RegisterOpener(database.DialectDuckDB, func(dsn string) (*sql.DB, error) {
		return open(dsn, DefaultOptions())
	})
}

func open(dsn string, opts Options) (*sql.DB, error) {
	pragmas := opts.pragmas()
	connector, err := duckdbdriver.NewConnector(dsn, func(execer driver.ExecerContext) error {
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return errors.Wrapf(err, "applying %q", pragma)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening embedded store")
	}
	return sql.OpenDB(connector), nil
}

func dsnFor(path string, readOnly bool) string {
	if !readOnly {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "access_mode=" + url.QueryEscape("READ_ONLY")
}

// Handle is the process-wide handle on the active embedded file. All
// callers share one connection; queries queue on it rather than opening
// per-caller connections, and duckdb parallelizes internally.
type Handle struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	marker string
	opts   Options
}

// Open resolves the active path (marker first, then the default file under
// dataDir), opens the shared connection and applies the pragmas.
func Open(dataDir, defaultFile string, opts Options) (*Handle, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating data dir")
	}
	h := &Handle{
		marker: filepath.Join(dataDir, markerFile),
		opts:   opts,
	}
	path := filepath.Join(dataDir, defaultFile)
	if persisted, err := os.ReadFile(h.marker); err == nil {
		if p := strings.TrimSpace(string(persisted)); p != "" {
			path = p
		}
	}
	db, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	h.db = db
	h.path = path
	return h, nil
}

// NewWithDB wraps an already-open engine. Used to stand the handle up on a
// stub engine in tests.
func NewWithDB(db *sql.DB, path string) *Handle {
	return &Handle{db: db, path: path}
}

// DB returns the shared engine for the active file.
func (h *Handle) DB() *sql.DB {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.db
}

// Path returns the active file path.
func (h *Handle) Path() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.path
}

// SwitchTo makes path the active file: the current engine is disposed, a
// fresh shared connection is opened, and the marker is persisted. If the
// new path cannot be opened the previous one is reopened.
func (h *Handle) SwitchTo(ctx context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	previous := h.path
	if h.db != nil {
		if err := h.db.Close(); err != nil {
			return errors.Wrap(err, "disposing active engine")
		}
	}
	db, err := open(path, h.opts)
	if err == nil {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		err = db.PingContext(ctx)
		if err != nil {
			db.Close()
		}
	}
	if err != nil {
		if fallback, ferr := open(previous, h.opts); ferr == nil {
			fallback.SetMaxOpenConns(1)
			fallback.SetMaxIdleConns(1)
			h.db = fallback
		}
		return errors.Wrapf(err, "switching to %s", path)
	}

	h.db = db
	h.path = path
	if h.marker != "" {
		if werr := os.WriteFile(h.marker, []byte(path+"\n"), 0o644); werr != nil {
			return errors.Wrap(werr, "persisting active path marker")
		}
	}
	return nil
}

// OpenEphemeral opens a standalone engine on a different file. The caller
// owns closing it; the active handle is untouched.
func (h *Handle) OpenEphemeral(path string, readOnly bool) (*sql.DB, error) {
	h.mu.RLock()
	opts := h.opts
	h.mu.RUnlock()
	db, err := open(dsnFor(path, readOnly), opts)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// TableExists reports whether a table is present in the active file.
func (h *Handle) TableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := h.DB().QueryRowContext(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_name = ?", table,
	).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "checking table")
	}
	return count > 0, nil
}

// Close disposes the shared engine.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}
