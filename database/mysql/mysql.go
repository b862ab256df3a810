// Package mysql provides the mysql engine adapter.
package mysql

import (
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"os"

	driver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/facetql/facetql/database"
)

func init() {
	database.RegisterOpener(database.DialectMySQL, Open)
}

// Open forces parseTime so temporal columns scan as time.Time instead of
// raw bytes; result conversion and sync type inference rely on that.
func Open(dsn string) (*sql.DB, error) {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parsing DSN")
	}
	cfg.ParseTime = true
	return sql.Open("mysql", cfg.FormatDSN())
}

// BuildDSN assembles a DSN from CLI connection flags.
func BuildDSN(config database.Config) string {
	c := driver.NewConfig()
	c.User = config.User
	c.Passwd = config.Password
	c.DBName = config.DbName
	c.ParseTime = true
	c.TLSConfig = config.SSLMode
	if config.Socket == "" {
		c.Net = "tcp"
		c.Addr = fmt.Sprintf("%s:%d", config.Host, config.Port)
	} else {
		c.Net = "unix"
		c.Addr = config.Socket
	}
	return c.FormatDSN()
}

// RegisterTLSConfig makes a CA bundle available to DSNs under the name
// "custom" (tls=custom).
func RegisterTLSConfig(pemPath string) error {
	rootCertPool := x509.NewCertPool()
	pem, err := os.ReadFile(pemPath)
	if err != nil {
		return err
	}
	if ok := rootCertPool.AppendCertsFromPEM(pem); !ok {
		return errors.Errorf("failed to append PEM from %s", pemPath)
	}
	return driver.RegisterTLSConfig("custom", &tls.Config{RootCAs: rootCertPool})
}
