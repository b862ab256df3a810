// Package database holds the engine-facing layer shared by every dialect:
// dialect identities, connection configs, DSN normalization, the remote
// engine pool, and result scanning. It never builds query SQL.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Dialect identifies the SQL flavor an engine speaks. The zero value is not
// valid; use ParseDialect or DialectForKind.
type Dialect string

const (
	DialectDuckDB   Dialect = "duckdb"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectMSSQL    Dialect = "mssql"
	DialectSQLite   Dialect = "sqlite3"
)

func Dialects() []Dialect {
	return []Dialect{DialectDuckDB, DialectPostgres, DialectMySQL, DialectMSSQL, DialectSQLite}
}

func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "duckdb":
		return DialectDuckDB, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	case "mssql", "sqlserver":
		return DialectMSSQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", errors.Errorf("unsupported dialect: %s", s)
	}
}

// DialectForKind maps a datasource kind to the dialect its queries compile
// for. API-fed datasources land in the embedded columnar store, so they
// compile as duckdb.
func DialectForKind(kind string) (Dialect, error) {
	if strings.EqualFold(kind, "api") {
		return DialectDuckDB, nil
	}
	return ParseDialect(kind)
}

// Embedded reports whether the dialect runs in-process against a local file
// rather than over the network.
func (d Dialect) Embedded() bool {
	return d == DialectDuckDB || d == DialectSQLite
}

// DriverName returns the database/sql driver name the dialect opens with.
func (d Dialect) DriverName() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectMySQL:
		return "mysql"
	case DialectMSSQL:
		return "sqlserver"
	case DialectSQLite:
		return "sqlite"
	default:
		return "duckdb"
	}
}

// BindType returns the sqlx bindvar style for the dialect, used to rebind
// named parameters into the positional form the driver expects.
func (d Dialect) BindType() int {
	switch d {
	case DialectPostgres:
		return sqlx.DOLLAR
	case DialectMSSQL:
		return sqlx.AT
	default:
		return sqlx.QUESTION
	}
}

// SessionTimeoutSQL returns the statement that bounds query runtime on a
// session, or "" for dialects without one. Must run on the same connection
// as the query it guards.
func (d Dialect) SessionTimeoutSQL(timeout time.Duration) string {
	ms := timeout.Milliseconds()
	switch d {
	case DialectPostgres:
		return fmt.Sprintf("SET statement_timeout = %d", ms)
	case DialectMySQL:
		return fmt.Sprintf("SET SESSION MAX_EXECUTION_TIME = %d", ms)
	case DialectMSSQL:
		return fmt.Sprintf("SET LOCK_TIMEOUT %d", ms)
	default:
		return ""
	}
}

// Config carries the connection parameters accepted by the CLI for ad-hoc
// engines. Datasources persisted in the metadata store carry full DSNs
// instead; dialect packages turn a Config into one via BuildDSN.
type Config struct {
	DbName   string
	User     string
	Password string
	Host     string
	Port     int
	Socket   string
	SSLMode  string
}

// Querier is the read side shared by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer is the write side shared by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Logger receives the statements a writer applies to a destination.
type Logger interface {
	Printf(format string, v ...any)
}

// SlogLogger forwards applied statements to the default slog logger at
// debug level.
type SlogLogger struct{}

func (SlogLogger) Printf(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

type NullLogger struct{}

func (NullLogger) Printf(format string, v ...any) {}

// RunDDLs applies each statement in order, logging it first. It stops at
// the first failure and reports which statement failed.
func RunDDLs(ctx context.Context, db Execer, ddls []string, logger Logger) error {
	if logger == nil {
		logger = NullLogger{}
	}
	for _, ddl := range ddls {
		logger.Printf("%s;", ddl)
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return errors.Wrapf(err, "applying %q", ddl)
		}
	}
	return nil
}
