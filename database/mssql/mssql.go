// Package mssql provides the sqlserver engine adapter.
package mssql

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/facetql/facetql/database"
)

func init() {
	database.RegisterOpener(database.DialectMSSQL, Open)
}

func Open(dsn string) (*sql.DB, error) {
	return sql.Open("sqlserver", dsn)
}

// BuildDSN assembles a URL-form DSN from CLI connection flags.
func BuildDSN(config database.Config) string {
	query := url.Values{}
	query.Add("database", config.DbName)

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(config.User, config.Password),
		Host:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		RawQuery: query.Encode(),
	}
	return u.String()
}
