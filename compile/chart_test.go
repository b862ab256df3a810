package compile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/database"
)

func chartBase() *Base {
	return &Base{
		Dialect: database.DialectDuckDB,
		Source:  "sales",
		Columns: []string{"region", "channel", "amount", "user_id", "created"},
	}
}

func TestCompileChartCount(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{Source: "sales", X: "region"}, "created")
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT _base."region" AS "x", COUNT(*) AS "value" FROM "sales" AS _base GROUP BY _base."region" ORDER BY 1 ASC`,
		got.SQL)
	assert.Equal(t, []string{"x", "value"}, got.Columns)
	assert.Empty(t, got.Params)
}

func TestCompileChartSumWithLegend(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{
		Source: "sales", X: "region", Y: "amount", Agg: "sum",
		Legend: StringList{"channel"},
	}, "created")
	require.NoError(t, err)

	assert.Contains(t, got.SQL, `_base."region" AS "x"`)
	assert.Contains(t, got.SQL, `_base."channel" AS "legend"`)
	assert.Contains(t, got.SQL, "SUM(")
	assert.Contains(t, got.SQL, `WHERE _base."channel" IS NOT NULL`)
	assert.Contains(t, got.SQL, `GROUP BY _base."region", _base."channel"`)
	assert.Contains(t, got.SQL, "ORDER BY 1 ASC, 2 ASC")
	assert.Equal(t, []string{"x", "legend", "value"}, got.Columns)
}

func TestCompileChartNumericAliasSkipsCoercion(t *testing.T) {
	b := chartBase()
	b.SQL = `SELECT s.*, ("amount" * 2) AS "double_amount" FROM "sales" AS s`
	b.Columns = append(b.Columns, "double_amount")
	b.Aliases = map[string]bool{"double_amount": true}
	b.AliasTypes = map[string]string{"double_amount": "number"}

	got, err := CompileChart(b, &QuerySpec{
		Source: "sales", X: "region", Y: "double_amount", Agg: "sum",
	}, "created")
	require.NoError(t, err)
	assert.Contains(t, got.SQL, `SUM(_base."double_amount")`)
	assert.NotContains(t, got.SQL, "try_cast")
}

func TestCompileChartMonthNameOrdering(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{
		Source: "sales", X: "created (Month Name)", Y: "amount", Agg: "sum",
	}, "created")
	require.NoError(t, err)

	assert.Contains(t, got.SQL, `monthname(CAST(_base."created" AS DATE)) AS "x"`)
	// Labels group and order by their calendar position.
	assert.Contains(t, got.SQL,
		`GROUP BY monthname(CAST(_base."created" AS DATE)), CAST(EXTRACT(MONTH FROM _base."created") AS INTEGER)`)
	assert.Contains(t, got.SQL,
		`ORDER BY CAST(EXTRACT(MONTH FROM _base."created") AS INTEGER) ASC`)
}

func TestCompileChartGroupByBucket(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{
		Source: "sales", X: "created", GroupBy: "month",
	}, "created")
	require.NoError(t, err)
	assert.Contains(t, got.SQL, `DATE_TRUNC('month', _base."created") AS "x"`)

	// A date-part token on x fixes the granularity; groupBy does not stack.
	got, err = CompileChart(chartBase(), &QuerySpec{
		Source: "sales", X: "created (Year)", GroupBy: "month",
	}, "created")
	require.NoError(t, err)
	assert.NotContains(t, got.SQL, "DATE_TRUNC")
}

func TestCompileChartDistinct(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{
		Source: "sales", X: "region", Y: "user_id", Agg: "distinct",
	}, "created")
	require.NoError(t, err)
	assert.Contains(t, got.SQL, `COUNT(DISTINCT _base."user_id") AS "value"`)
}

func TestCompileChartMeasure(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{
		Source: "sales", X: "region", Measure: "[amount] * 2 AS doubled",
	}, "created")
	require.NoError(t, err)
	// Trailing alias stripped, identifiers renormalized, SUM wrapped.
	assert.Contains(t, got.SQL, `SUM("amount" * 2) AS "value"`)

	got, err = CompileChart(chartBase(), &QuerySpec{
		Source: "sales", X: "region", Measure: `COUNT(DISTINCT "user_id")`,
	}, "created")
	require.NoError(t, err)
	assert.Contains(t, got.SQL, `COUNT(DISTINCT "user_id") AS "value"`)
}

func TestCompileChartLegendOnly(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{
		Source: "sales", Legend: StringList{"region"}, Y: "amount", Agg: "sum",
	}, "created")
	require.NoError(t, err)
	assert.Contains(t, got.SQL, `'Total' AS "x"`)
	assert.Contains(t, got.SQL, `GROUP BY _base."region"`)
	assert.Equal(t, []string{"x", "legend", "value"}, got.Columns)
}

func TestCompileChartScalar(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{Source: "sales", Agg: "count"}, "created")
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) AS "value" FROM "sales" AS _base`, got.SQL)
	assert.Equal(t, []string{"value"}, got.Columns)
}

func TestCompileChartMultiLegendConcat(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{
		Source: "sales", X: "created", Legend: StringList{"region", "channel"},
	}, "created")
	require.NoError(t, err)
	assert.Contains(t, got.SQL, `_base."region" || ' - ' || _base."channel" AS "legend"`)
}

func TestCompileChartOrderByValue(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{
		Source: "sales", X: "region", OrderBy: "value", Order: "desc",
	}, "created")
	require.NoError(t, err)
	assert.Contains(t, got.SQL, "ORDER BY 2 DESC")
}

func TestCompileChartSeries(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{
		Source:  "sales",
		X:       "created",
		GroupBy: "month",
		Series: []Series{
			{Name: "Revenue", Y: "amount", Agg: "sum"},
			{Name: "Orders", Agg: "count"},
		},
		Where: map[string]any{"region": "West"},
	}, "created")
	require.NoError(t, err)

	assert.Contains(t, got.SQL, "UNION ALL")
	assert.Contains(t, got.SQL, `'Revenue' AS "legend"`)
	assert.Contains(t, got.SQL, `'Orders' AS "legend"`)
	assert.Contains(t, got.SQL, `COUNT(*) AS "value"`)
	assert.Contains(t, got.SQL, "SELECT * FROM (")
	assert.Contains(t, got.SQL, ") AS _series ORDER BY 1 ASC, 2 ASC")
	assert.Equal(t, []string{"x", "legend", "value"}, got.Columns)

	// Both arms share one parameter set.
	assert.Equal(t, "west", got.Params["w_region"])
	assert.Len(t, got.Params, 1)
}

func TestCompileChartUnknownFieldRejected(t *testing.T) {
	_, err := CompileChart(chartBase(), &QuerySpec{Source: "sales", X: "ghost"}, "created")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	_, err = CompileChart(chartBase(), &QuerySpec{Source: "sales", X: "region", Y: "ghost"}, "created")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.BadRequest))
}

func TestCompileChartRows(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{
		Source: "sales",
		Where:  map[string]any{"region": "West"},
	}, "created")
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT * FROM "sales" AS _base WHERE LOWER(_base."region") = :w_region`,
		got.SQL)
	assert.Equal(t, chartBase().Columns, got.Columns)
}

func TestCompileChartRowsExplicitSelect(t *testing.T) {
	got, err := CompileChart(chartBase(), &QuerySpec{
		Source:  "sales",
		Select:  []string{"region", "created (Year)"},
		OrderBy: "region",
	}, "created")
	require.NoError(t, err)
	assert.Contains(t, got.SQL, `_base."region" AS "region"`)
	assert.Contains(t, got.SQL, `AS "created (Year)"`)
	assert.Contains(t, got.SQL, `ORDER BY _base."region" ASC`)
	assert.Equal(t, []string{"region", "created (Year)"}, got.Columns)
}
