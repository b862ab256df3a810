package compile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/database"
)

func TestEnsureReadOnlyPostgres(t *testing.T) {
	assert.NoError(t, EnsureReadOnly(database.DialectPostgres, "SELECT * FROM orders"))
	assert.NoError(t, EnsureReadOnly(database.DialectPostgres,
		"WITH t AS (SELECT 1 AS n) SELECT n FROM t"))

	err := EnsureReadOnly(database.DialectPostgres, "DELETE FROM orders")
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	err = EnsureReadOnly(database.DialectPostgres, "SELECT 1; SELECT 2")
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	err = EnsureReadOnly(database.DialectPostgres, "this is not sql")
	assert.True(t, apperr.Is(err, apperr.BadRequest))
}

func TestEnsureReadOnlyScan(t *testing.T) {
	assert.NoError(t, EnsureReadOnly(database.DialectMySQL, "SELECT * FROM orders"))
	assert.NoError(t, EnsureReadOnly(database.DialectMySQL, "SELECT 1;"))
	assert.NoError(t, EnsureReadOnly(database.DialectMSSQL,
		"WITH t AS (SELECT 1 AS n) SELECT n FROM t"))

	err := EnsureReadOnly(database.DialectMySQL, "DROP TABLE orders")
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	err = EnsureReadOnly(database.DialectMySQL, "SELECT 1; DROP TABLE orders")
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	err = EnsureReadOnly(database.DialectSQLite, "SELECT * FROM t WHERE 1=1 UNION SELECT 1 ATTACH DATABASE")
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	err = EnsureReadOnly(database.DialectMySQL, "")
	assert.True(t, apperr.Is(err, apperr.BadRequest))
}

func TestEnsureReadOnlyScanIgnoresLiteralsAndComments(t *testing.T) {
	// Forbidden words inside literals, identifiers and comments don't count.
	assert.NoError(t, EnsureReadOnly(database.DialectMySQL,
		"SELECT * FROM t WHERE note = 'please DROP this'"))
	assert.NoError(t, EnsureReadOnly(database.DialectMySQL,
		"SELECT `drop` FROM t -- DELETE me later"))
	assert.NoError(t, EnsureReadOnly(database.DialectMSSQL,
		"SELECT [update] FROM t /* TRUNCATE comment */"))

	// Semicolons inside literals are not statement separators.
	assert.NoError(t, EnsureReadOnly(database.DialectMySQL,
		"SELECT * FROM t WHERE x = 'a;b'"))
}

func TestEnsureReadOnlyDuckDB(t *testing.T) {
	assert.NoError(t, EnsureReadOnly(database.DialectDuckDB, "SELECT * FROM orders"))

	err := EnsureReadOnly(database.DialectDuckDB, "INSERT INTO t VALUES (1)")
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	// duckdb-only syntax the postgres grammar rejects still passes the scan.
	assert.NoError(t, EnsureReadOnly(database.DialectDuckDB,
		"SELECT * EXCLUDE (secret) FROM orders"))
}
