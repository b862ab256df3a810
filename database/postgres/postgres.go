// Package postgres provides the postgres engine adapter.
package postgres

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"

	_ "github.com/lib/pq"

	"github.com/facetql/facetql/database"
)

func init() {
	database.RegisterOpener(database.DialectPostgres, Open)
}

func Open(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// BuildDSN assembles a URL-form DSN from CLI connection flags. SSL settings
// fall back to the conventional PG* environment variables.
func BuildDSN(config database.Config) string {
	user := config.User
	password := config.Password
	dbName := config.DbName
	host := ""
	var options []string

	if config.Socket == "" {
		host = fmt.Sprintf("%s:%d", config.Host, config.Port)
	} else {
		// A socket path in the host position would be rejected by the URL
		// parser, so it goes in the query string instead.
		options = append(options, fmt.Sprintf("host=%s", config.Socket))
	}

	if config.SSLMode != "" {
		options = append(options, fmt.Sprintf("sslmode=%s", config.SSLMode))
	} else if sslmode, ok := os.LookupEnv("PGSSLMODE"); ok {
		options = append(options, fmt.Sprintf("sslmode=%s", sslmode))
	}
	if sslrootcert, ok := os.LookupEnv("PGSSLROOTCERT"); ok {
		options = append(options, fmt.Sprintf("sslrootcert=%s", sslrootcert))
	}

	// QueryEscape instead of PathEscape so that colon can be escaped.
	return fmt.Sprintf("postgres://%s:%s@%s/%s?%s",
		url.QueryEscape(user), url.QueryEscape(password), host, dbName, strings.Join(options, "&"))
}
