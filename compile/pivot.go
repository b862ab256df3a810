package compile

import (
	"fmt"
	"strings"

	"github.com/facetql/facetql/apperr"
)

// CompilePivot aggregates one value over the cross product of the row and
// column dimensions. The single-row single-column case keeps the chart
// result shape so the same renderer consumes both.
func CompilePivot(b *Base, req *PivotRequest, dateField string) (*Compiled, error) {
	d := b.Dialect

	dims := dedupeFields(append(append([]string{}, req.Rows...), req.Cols...))
	if len(dims) == 0 {
		return nil, apperr.New(apperr.BadRequest, "pivot requires at least one row or column dimension")
	}
	if strings.TrimSpace(req.Aggregator) == "" {
		return nil, apperr.New(apperr.BadRequest, "pivot requires an aggregator")
	}
	agg, err := ParseAgg(req.Aggregator)
	if err != nil {
		return nil, err
	}
	if agg != AggCount && req.ValueField == "" {
		return nil, apperr.New(apperr.BadRequest, "aggregator %s requires valueField", agg)
	}
	// Granularity of date dimensions comes from date-part tokens; groupBy is
	// accepted for parity with charts but never buckets a pivot dimension.
	if _, err := ParseGroupBy(req.GroupBy); err != nil {
		return nil, err
	}

	dimSet := map[string]bool{}
	for _, f := range dims {
		dimSet[strings.ToLower(f)] = true
	}
	plan := PlanWhere(b, req.Where, WhereOptions{Dimensions: dimSet, DateField: dateField})

	value, err := valueExprFor(b, req.ValueField, "", agg)
	if err != nil {
		return nil, err
	}

	chartShaped := len(req.Rows) == 1 && len(req.Cols) == 1 && len(dims) == 2

	var proj, group, columns []string
	for i, field := range dims {
		expr, orderExpr, ok := b.FieldExpr(field)
		if !ok {
			return nil, apperr.New(apperr.BadRequest, "unknown field: %s", field)
		}
		name := field
		if chartShaped {
			name = [2]string{"x", "legend"}[i]
		}
		proj = append(proj, fmt.Sprintf("%s AS %s", expr, QuoteIdent(d, name)))
		group = appendGroup(group, expr, orderExpr)
		columns = append(columns, name)
	}
	proj = append(proj, value+" AS "+QuoteIdent(d, "value"))
	columns = append(columns, "value")

	var sql strings.Builder
	sql.WriteString("SELECT ")
	sql.WriteString(strings.Join(proj, ", "))
	sql.WriteString(" FROM ")
	sql.WriteString(b.From(plan.Inner...))
	if cond := plan.OuterSQL(); cond != "" {
		sql.WriteString(" WHERE ")
		sql.WriteString(cond)
	}
	sql.WriteString(" GROUP BY ")
	sql.WriteString(strings.Join(group, ", "))

	var order []string
	for i, field := range dims {
		if _, orderExpr, _ := b.FieldExpr(field); orderExpr != "" {
			order = append(order, orderExpr+" ASC")
		} else {
			order = append(order, fmt.Sprintf("%d ASC", i+1))
		}
	}
	sql.WriteString(" ORDER BY ")
	sql.WriteString(strings.Join(order, ", "))

	return &Compiled{
		SQL:      sql.String(),
		Params:   plan.Params,
		Columns:  columns,
		Warnings: plan.Warnings,
	}, nil
}

func dedupeFields(fields []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if f == "" || seen[strings.ToLower(f)] {
			continue
		}
		seen[strings.ToLower(f)] = true
		out = append(out, f)
	}
	return out
}
