// Package sqlite3 provides the sqlite engine adapter, used both for
// user-registered sqlite datasources and for the metadata store.
package sqlite3

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/facetql/facetql/database"
)

func init() {
	database.RegisterOpener(database.DialectSQLite, Open)
}

// Open opens a sqlite file with a busy timeout so concurrent readers and
// the occasional writer back off instead of failing with SQLITE_BUSY. The
// pragma rides on the DSN so every pooled connection gets it.
func Open(dsn string) (*sql.DB, error) {
	if !strings.Contains(dsn, "_pragma=busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)"
	}
	return sql.Open("sqlite", dsn)
}

// BuildDSN treats DbName as the file path, matching how embedded engines
// are addressed from CLI flags.
func BuildDSN(config database.Config) string {
	return config.DbName
}
