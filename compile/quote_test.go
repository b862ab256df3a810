package compile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetql/facetql/database"
)

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"region"`, QuoteIdent(database.DialectDuckDB, "region"))
	assert.Equal(t, `"region"`, QuoteIdent(database.DialectPostgres, "region"))
	assert.Equal(t, "`region`", QuoteIdent(database.DialectMySQL, "region"))
	assert.Equal(t, "[region]", QuoteIdent(database.DialectMSSQL, "region"))
	assert.Equal(t, `"region"`, QuoteIdent(database.DialectSQLite, "region"))

	// Already quoted for the dialect passes through.
	assert.Equal(t, `"region"`, QuoteIdent(database.DialectDuckDB, `"region"`))
	assert.Equal(t, "[region]", QuoteIdent(database.DialectMSSQL, "[region]"))

	// Embedded closers are doubled.
	assert.Equal(t, `"a""b"`, QuoteIdent(database.DialectPostgres, `a"b`))
	assert.Equal(t, "[a]]b]", QuoteIdent(database.DialectMSSQL, "a]b"))
}

func TestUnquoteIdentRoundTrip(t *testing.T) {
	for _, d := range []database.Dialect{
		database.DialectDuckDB, database.DialectPostgres, database.DialectMySQL,
		database.DialectMSSQL, database.DialectSQLite,
	} {
		for _, name := range []string{"plain", "with space", `wei"rd`, "col]umn"} {
			assert.Equal(t, name, UnquoteIdent(d, QuoteIdent(d, name)), "dialect %s name %s", d, name)
		}
	}
}

func TestQuoteSource(t *testing.T) {
	assert.Equal(t, `"analytics"."orders"`, QuoteSource(database.DialectPostgres, "analytics.orders"))
	assert.Equal(t, "[dbo].[orders]", QuoteSource(database.DialectMSSQL, "dbo.orders"))
	assert.Equal(t, "`orders`", QuoteSource(database.DialectMySQL, "orders"))

	// Segments quoted in a foreign style are re-quoted, not double quoted.
	assert.Equal(t, "[analytics].[orders]", QuoteSource(database.DialectMSSQL, `"analytics"."orders"`))
	assert.Equal(t, `"my.schema"."orders"`, QuoteSource(database.DialectPostgres, `"my.schema".orders`))
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, "NULL", QuoteLiteral(nil))
	assert.Equal(t, "TRUE", QuoteLiteral(true))
	assert.Equal(t, "42", QuoteLiteral(42))
	assert.Equal(t, "1.5", QuoteLiteral(1.5))
	assert.Equal(t, "'north'", QuoteLiteral("north"))
	assert.Equal(t, "'it''s'", QuoteLiteral("it's"))
}

func TestNormalizeExpr(t *testing.T) {
	got, err := NormalizeExpr(database.DialectDuckDB, "[price] * [qty]", false)
	require.NoError(t, err)
	assert.Equal(t, `"price" * "qty"`, got)

	got, err = NormalizeExpr(database.DialectMySQL, `"price" * "qty"`, false)
	require.NoError(t, err)
	assert.Equal(t, "`price` * `qty`", got)

	// String literals pass through untouched, even when they hold quotes.
	got, err = NormalizeExpr(database.DialectPostgres, `[status] = 'a "b" c'`, false)
	require.NoError(t, err)
	assert.Equal(t, `"status" = 'a "b" c'`, got)

	// Normalizing is idempotent.
	once, err := NormalizeExpr(database.DialectMSSQL, "[price] + 1", false)
	require.NoError(t, err)
	twice, err := NormalizeExpr(database.DialectMSSQL, once, false)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	_, err = NormalizeExpr(database.DialectDuckDB, `"unterminated`, false)
	assert.Error(t, err)
	_, err = NormalizeExpr(database.DialectDuckDB, "'unterminated", false)
	assert.Error(t, err)
}

func TestNormalizeExprNumericify(t *testing.T) {
	got, err := NormalizeExpr(database.DialectDuckDB, "[amount] * 2", true)
	require.NoError(t, err)
	assert.Contains(t, got, "try_cast")
	assert.Contains(t, got, `"amount"`)
}

func TestNumericifyShape(t *testing.T) {
	for _, d := range []database.Dialect{
		database.DialectDuckDB, database.DialectPostgres, database.DialectMySQL,
		database.DialectMSSQL, database.DialectSQLite,
	} {
		expr := Numericify(d, QuoteIdent(d, "amount"))
		assert.Contains(t, expr, "COALESCE", "dialect %s", d)
	}
}

func TestConcatExpr(t *testing.T) {
	assert.Equal(t, `"a" || ' - ' || "b"`,
		ConcatExpr(database.DialectPostgres, " - ", `"a"`, `"b"`))
	assert.Equal(t, "CONCAT(`a`, ' - ', `b`)",
		ConcatExpr(database.DialectMySQL, " - ", "`a`", "`b`"))
	assert.Equal(t, "[a]", ConcatExpr(database.DialectMSSQL, " - ", "[a]"))
}
