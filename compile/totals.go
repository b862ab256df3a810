package compile

import (
	"fmt"
	"strings"

	"github.com/facetql/facetql/apperr"
)

// CompilePeriodTotals aggregates one half-open window [start, end) into a
// single total, or one total per legend value. The caller compiles the
// comparison window as a second statement with its own bounds.
func CompilePeriodTotals(b *Base, req *PeriodTotalsRequest, start, end string) (*Compiled, error) {
	d := b.Dialect
	if req.DateField == "" {
		return nil, apperr.New(apperr.BadRequest, "period totals require a dateField")
	}
	if start == "" || end == "" {
		return nil, apperr.New(apperr.BadRequest, "period totals require start and end")
	}

	dims := map[string]bool{}
	if req.Legend != "" {
		dims[strings.ToLower(req.Legend)] = true
	}
	plan := PlanWhere(b, req.Where, WhereOptions{Dimensions: dims, DateField: req.DateField})

	// The window narrows a composed base before its aggregation joins run,
	// same as the reserved start/end filter keys.
	inner := b.Composed()
	rel := "_base"
	if inner {
		rel = "_t"
	}
	dateExpr, _, ok := b.FieldExprRel(rel, req.DateField)
	if !ok {
		return nil, apperr.New(apperr.BadRequest, "unknown date field: %s", req.DateField)
	}
	plan.Params["pt_start"] = start
	plan.Params["pt_end"] = end
	window := fmt.Sprintf("%s >= :pt_start AND %s < :pt_end", dateExpr, dateExpr)
	if inner {
		plan.Inner = append(plan.Inner, window)
	} else {
		plan.Outer = append(plan.Outer, window)
	}

	value, err := valueExprFor(b, req.Y, req.Measure, req.Agg)
	if err != nil {
		return nil, err
	}

	var sql strings.Builder
	columns := []string{"value"}
	if req.Legend != "" {
		legendExpr, _, ok := b.FieldExpr(req.Legend)
		if !ok {
			return nil, apperr.New(apperr.BadRequest, "unknown field: %s", req.Legend)
		}
		plan.And(legendExpr + " IS NOT NULL")
		fmt.Fprintf(&sql, "SELECT %s AS %s, %s AS %s FROM %s",
			legendExpr, QuoteIdent(d, "legend"), value, QuoteIdent(d, "value"), b.From(plan.Inner...))
		if cond := plan.OuterSQL(); cond != "" {
			sql.WriteString(" WHERE ")
			sql.WriteString(cond)
		}
		sql.WriteString(" GROUP BY ")
		sql.WriteString(legendExpr)
		sql.WriteString(" ORDER BY 2 DESC")
		columns = []string{"legend", "value"}
	} else {
		fmt.Fprintf(&sql, "SELECT %s AS %s FROM %s", value, QuoteIdent(d, "value"), b.From(plan.Inner...))
		if cond := plan.OuterSQL(); cond != "" {
			sql.WriteString(" WHERE ")
			sql.WriteString(cond)
		}
	}

	return &Compiled{
		SQL:      sql.String(),
		Params:   plan.Params,
		Columns:  columns,
		Warnings: plan.Warnings,
	}, nil
}
