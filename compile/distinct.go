package compile

import (
	"fmt"
	"strings"

	"github.com/facetql/facetql/apperr"
)

// CompileDistinct lists the distinct values of one field, honoring every
// filter except any filter on the field itself: a value the user already
// picked must not narrow the list of alternatives.
func CompileDistinct(b *Base, req *DistinctRequest, dateField string) (*Compiled, error) {
	d := b.Dialect
	if req.Field == "" {
		return nil, apperr.New(apperr.BadRequest, "distinct requires a field")
	}

	expr, _, ok := b.FieldExpr(req.Field)
	if !ok {
		return nil, apperr.New(apperr.BadRequest, "unknown field: %s", req.Field)
	}

	plan := PlanWhere(b, req.Where, WhereOptions{
		DateField:    dateField,
		ExcludeField: req.Field,
		Dimensions:   map[string]bool{strings.ToLower(req.Field): true},
	})

	var sql strings.Builder
	fmt.Fprintf(&sql, "SELECT DISTINCT %s AS %s FROM %s",
		expr, QuoteIdent(d, req.Field), b.From(plan.Inner...))
	if cond := plan.OuterSQL(); cond != "" {
		sql.WriteString(" WHERE ")
		sql.WriteString(cond)
	}
	sql.WriteString(" ORDER BY 1 ASC")

	return &Compiled{
		SQL:      sql.String(),
		Params:   plan.Params,
		Columns:  []string{req.Field},
		Warnings: plan.Warnings,
	}, nil
}
