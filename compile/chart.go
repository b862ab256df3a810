package compile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/facetql/facetql/apperr"
)

var (
	aggregatedRe    = regexp.MustCompile(`(?i)^\s*(sum|avg|min|max|count)\s*\(`)
	trailingAliasRe = regexp.MustCompile("(?i)\\s+as\\s+(\"[^\"]*\"|`[^`]*`|\\[[^\\]]*\\]|[A-Za-z_][A-Za-z0-9_]*)\\s*$")
)

// CompileChart builds the grouped chart query: x and legend dimensions over
// one aggregated value, or a UNION ALL of per-series arms. The statement
// carries no pagination; the executor appends it per dialect.
func CompileChart(b *Base, spec *QuerySpec, dateField string) (*Compiled, error) {
	d := b.Dialect

	if isRowsRequest(spec) {
		return compileRows(b, spec, dateField)
	}

	dims := map[string]bool{}
	if spec.X != "" {
		dims[strings.ToLower(spec.X)] = true
	}
	for _, l := range spec.Legend {
		dims[strings.ToLower(l)] = true
	}
	plan := PlanWhere(b, spec.Where, WhereOptions{Dimensions: dims, DateField: dateField})

	shape, err := buildChartShape(b, spec)
	if err != nil {
		return nil, err
	}
	if shape.legendExpr != "" {
		plan.And(shape.legendExpr + " IS NOT NULL")
	}

	if len(spec.Series) > 0 {
		return compileSeries(b, spec, shape, plan)
	}

	value, err := valueExprFor(b, spec.Y, spec.Measure, spec.Agg)
	if err != nil {
		return nil, err
	}

	var proj, group, columns []string
	switch {
	case shape.xExpr != "" && shape.legendExpr != "":
		proj = []string{
			shape.xExpr + " AS " + QuoteIdent(d, "x"),
			shape.legendExpr + " AS " + QuoteIdent(d, "legend"),
			value + " AS " + QuoteIdent(d, "value"),
		}
		group = appendGroup(nil, shape.xExpr, shape.xOrder, shape.legendExpr)
		columns = []string{"x", "legend", "value"}
	case shape.xExpr != "":
		proj = []string{
			shape.xExpr + " AS " + QuoteIdent(d, "x"),
			value + " AS " + QuoteIdent(d, "value"),
		}
		group = appendGroup(nil, shape.xExpr, shape.xOrder)
		columns = []string{"x", "value"}
	case shape.legendExpr != "":
		proj = []string{
			QuoteLiteral("Total") + " AS " + QuoteIdent(d, "x"),
			shape.legendExpr + " AS " + QuoteIdent(d, "legend"),
			value + " AS " + QuoteIdent(d, "value"),
		}
		group = appendGroup(nil, shape.legendExpr)
		columns = []string{"x", "legend", "value"}
	default:
		proj = []string{value + " AS " + QuoteIdent(d, "value")}
		columns = []string{"value"}
	}

	var sql strings.Builder
	sql.WriteString("SELECT ")
	sql.WriteString(strings.Join(proj, ", "))
	sql.WriteString(" FROM ")
	sql.WriteString(b.From(plan.Inner...))
	if cond := plan.OuterSQL(); cond != "" {
		sql.WriteString(" WHERE ")
		sql.WriteString(cond)
	}
	if len(group) > 0 {
		sql.WriteString(" GROUP BY ")
		sql.WriteString(strings.Join(group, ", "))
	}
	writeChartOrder(&sql, spec, shape, columns)

	return &Compiled{
		SQL:      sql.String(),
		Params:   plan.Params,
		Columns:  columns,
		Warnings: plan.Warnings,
	}, nil
}

type chartShape struct {
	xExpr      string // empty when the chart has no x dimension
	xOrder     string // companion ordering expression for label parts
	legendExpr string
}

func buildChartShape(b *Base, spec *QuerySpec) (*chartShape, error) {
	d := b.Dialect
	shape := &chartShape{}

	groupBy, err := ParseGroupBy(spec.GroupBy)
	if err != nil {
		return nil, err
	}

	if spec.X != "" {
		xExpr, xOrder, ok := b.FieldExpr(spec.X)
		if !ok {
			return nil, apperr.New(apperr.BadRequest, "unknown field: %s", spec.X)
		}
		_, _, isToken := ParseDatePartToken(spec.X)
		if groupBy != GroupNone && !isToken {
			// groupBy buckets a raw date column; a date-part token on x
			// already fixes the granularity.
			xExpr = BucketExpr(d, groupBy, xExpr, b.WeekStart)
			xOrder = ""
		}
		shape.xExpr = xExpr
		shape.xOrder = xOrder
	}

	if len(spec.Legend) > 0 {
		var exprs []string
		for _, field := range spec.Legend {
			expr, _, ok := b.FieldExpr(field)
			if !ok {
				return nil, apperr.New(apperr.BadRequest, "unknown field: %s", field)
			}
			exprs = append(exprs, expr)
		}
		if len(exprs) == 1 {
			shape.legendExpr = exprs[0]
		} else {
			shape.legendExpr = ConcatExpr(d, " - ", exprs...)
		}
	}
	return shape, nil
}

// valueExprFor picks the aggregated value: a free-form measure expression,
// an aggregation over y, or COUNT(*). Measures that already aggregate are
// used as-is; otherwise the aggregator wraps them, defaulting to SUM.
func valueExprFor(b *Base, y, measure, aggRaw string) (string, error) {
	d := b.Dialect
	agg, err := ParseAgg(aggRaw)
	if err != nil {
		return "", err
	}

	if measure != "" {
		expr, err := NormalizeExpr(d, trailingAliasRe.ReplaceAllString(measure, ""), false)
		if err != nil {
			return "", apperr.Wrap(err, apperr.BadRequest, "invalid measure")
		}
		if aggregatedRe.MatchString(expr) {
			return expr, nil
		}
		switch agg {
		case AggDistinct:
			return fmt.Sprintf("COUNT(DISTINCT %s)", expr), nil
		case AggSum, AggAvg, AggMin, AggMax:
			return fmt.Sprintf("%s(%s)", strings.ToUpper(agg), expr), nil
		default:
			return fmt.Sprintf("SUM(%s)", expr), nil
		}
	}

	if y != "" {
		yExpr, _, ok := b.FieldExpr(y)
		if !ok {
			return "", apperr.New(apperr.BadRequest, "unknown field: %s", y)
		}
		switch agg {
		case AggCount:
			return "COUNT(*)", nil
		case AggDistinct:
			return fmt.Sprintf("COUNT(DISTINCT %s)", yExpr), nil
		default:
			if b.FieldType(y) != "number" {
				yExpr = Numericify(d, yExpr)
			}
			return fmt.Sprintf("%s(%s)", strings.ToUpper(agg), yExpr), nil
		}
	}

	return "COUNT(*)", nil
}

func appendGroup(group []string, exprs ...string) []string {
	for _, e := range exprs {
		if e != "" {
			group = append(group, e)
		}
	}
	return group
}

// writeChartOrder emits the ORDER BY: the companion expression when the x
// label does not sort chronologically, ordinals otherwise. orderBy=value
// sorts by the aggregate, descending by default for top-N style charts only
// when the caller says so.
func writeChartOrder(sql *strings.Builder, spec *QuerySpec, shape *chartShape, columns []string) {
	dir := orderDirection(spec.Order, "ASC")
	ord := func(name string) int {
		for i, c := range columns {
			if c == name {
				return i + 1
			}
		}
		return 0
	}

	var terms []string
	switch {
	case spec.OrderBy == "value":
		if n := ord("value"); n > 0 {
			terms = append(terms, fmt.Sprintf("%d %s", n, dir))
		}
	case spec.OrderBy == "legend":
		if n := ord("legend"); n > 0 {
			terms = append(terms, fmt.Sprintf("%d %s", n, dir))
		}
	case spec.OrderBy == "x" || (spec.OrderBy != "" && strings.EqualFold(spec.OrderBy, spec.X)):
		if shape.xOrder != "" {
			terms = append(terms, shape.xOrder+" "+dir)
		} else if n := ord("x"); n > 0 {
			terms = append(terms, fmt.Sprintf("%d %s", n, dir))
		}
	default:
		if shape.xExpr != "" {
			if shape.xOrder != "" {
				terms = append(terms, shape.xOrder+" "+dir)
			} else {
				terms = append(terms, "1 "+dir)
			}
		}
		if shape.legendExpr != "" {
			if n := ord("legend"); n > 0 {
				terms = append(terms, fmt.Sprintf("%d ASC", n))
			}
		}
	}
	if len(terms) > 0 {
		sql.WriteString(" ORDER BY ")
		sql.WriteString(strings.Join(terms, ", "))
	}
}

// compileSeries unions one grouped arm per series, stamping the series name
// into the legend. All arms share the same filters and bind parameters.
func compileSeries(b *Base, spec *QuerySpec, shape *chartShape, plan *WherePlan) (*Compiled, error) {
	d := b.Dialect

	var arms []string
	for _, s := range spec.Series {
		value, err := valueExprFor(b, s.Y, "", s.Agg)
		if err != nil {
			return nil, err
		}
		legend := QuoteLiteral(s.Name)
		if shape.legendExpr != "" {
			legend = ConcatExpr(d, " - ", shape.legendExpr, QuoteLiteral(s.Name))
		}
		xProj := QuoteLiteral("Total")
		if shape.xExpr != "" {
			xProj = shape.xExpr
		}

		var arm strings.Builder
		arm.WriteString("SELECT ")
		arm.WriteString(xProj + " AS " + QuoteIdent(d, "x"))
		arm.WriteString(", " + legend + " AS " + QuoteIdent(d, "legend"))
		arm.WriteString(", " + value + " AS " + QuoteIdent(d, "value"))
		arm.WriteString(" FROM ")
		arm.WriteString(b.From(plan.Inner...))
		if cond := plan.OuterSQL(); cond != "" {
			arm.WriteString(" WHERE " + cond)
		}
		if group := appendGroup(nil, shape.xExpr, shape.xOrder, shape.legendExpr); len(group) > 0 {
			arm.WriteString(" GROUP BY " + strings.Join(group, ", "))
		}
		arms = append(arms, arm.String())
	}

	sql := fmt.Sprintf("SELECT * FROM (%s) AS _series ORDER BY 1 %s, 2 ASC",
		strings.Join(arms, " UNION ALL "), orderDirection(spec.Order, "ASC"))
	return &Compiled{
		SQL:      sql,
		Params:   plan.Params,
		Columns:  []string{"x", "legend", "value"},
		Warnings: plan.Warnings,
	}, nil
}

// isRowsRequest: no dimensions and no aggregate anywhere means the caller
// wants plain rows.
func isRowsRequest(spec *QuerySpec) bool {
	return spec.X == "" && spec.Y == "" && spec.Measure == "" && spec.Agg == "" &&
		len(spec.Legend) == 0 && len(spec.Series) == 0
}

// compileRows selects unaggregated rows: the composed projection as-is, or
// the requested fields of a plain source.
func compileRows(b *Base, spec *QuerySpec, dateField string) (*Compiled, error) {
	d := b.Dialect
	plan := PlanWhere(b, spec.Where, WhereOptions{DateField: dateField})

	proj := "*"
	columns := b.Columns
	if !b.Composed() && len(spec.Select) > 0 && !containsStar(spec.Select) {
		var parts []string
		columns = nil
		for _, field := range spec.Select {
			expr, _, ok := b.FieldExpr(field)
			if !ok {
				plan.Warnings = append(plan.Warnings, fmt.Sprintf("dropping selected column %q: not in base columns", field))
				continue
			}
			parts = append(parts, fmt.Sprintf("%s AS %s", expr, QuoteIdent(d, field)))
			columns = append(columns, field)
		}
		if len(parts) > 0 {
			proj = strings.Join(parts, ", ")
		} else {
			columns = b.Columns
		}
	}

	var sql strings.Builder
	sql.WriteString("SELECT ")
	sql.WriteString(proj)
	sql.WriteString(" FROM ")
	sql.WriteString(b.From(plan.Inner...))
	if cond := plan.OuterSQL(); cond != "" {
		sql.WriteString(" WHERE ")
		sql.WriteString(cond)
	}
	if spec.OrderBy != "" {
		if expr, _, ok := b.FieldExpr(spec.OrderBy); ok {
			fmt.Fprintf(&sql, " ORDER BY %s %s", expr, orderDirection(spec.Order, "ASC"))
		} else {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("dropping order by unknown field %q", spec.OrderBy))
		}
	}

	return &Compiled{
		SQL:      sql.String(),
		Params:   plan.Params,
		Columns:  columns,
		Warnings: plan.Warnings,
	}, nil
}

func containsStar(fields []string) bool {
	for _, f := range fields {
		if f == "*" {
			return true
		}
	}
	return false
}
