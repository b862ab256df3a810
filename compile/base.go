package compile

import (
	"fmt"
	"strings"

	"github.com/facetql/facetql/database"
)

// Base is the relation a chart, pivot or distinct query selects from: the
// plain source table, or a composed projection when the datasource carries
// custom columns, transforms or joins. Columns nil means no probe ran and
// field references are passed through unvalidated.
type Base struct {
	Dialect    database.Dialect
	Source     string
	SQL        string
	Columns    []string
	Aliases    map[string]bool
	AliasTypes map[string]string
	WeekStart  string
}

// NewBase wraps a source, taking the composed projection when one exists.
func NewBase(d database.Dialect, source string, composed *Composed, weekStart string) *Base {
	b := &Base{Dialect: d, Source: source, WeekStart: weekStart}
	if composed != nil {
		b.SQL = composed.SQL
		b.Columns = composed.Columns
		b.Aliases = composed.Aliases
		b.AliasTypes = composed.AliasTypes
	}
	return b
}

func (b *Base) Composed() bool { return b.SQL != "" }

// From renders the FROM relation, always aliased _base. Inner conditions
// filter a composed base one level in, after its own defaults have shaped
// the dataset; plain sources never take inner conditions.
func (b *Base) From(inner ...string) string {
	var conds []string
	for _, c := range inner {
		if c != "" {
			conds = append(conds, c)
		}
	}
	if !b.Composed() {
		return QuoteSource(b.Dialect, b.Source) + " AS _base"
	}
	if len(conds) == 0 {
		return "(" + b.SQL + ") AS _base"
	}
	return fmt.Sprintf("(SELECT * FROM (%s) AS _t WHERE %s) AS _base",
		b.SQL, strings.Join(conds, " AND "))
}

// canonical returns the probed casing for a column name, so quoting matches
// what the engine reports. Unknown names come back unchanged.
func (b *Base) canonical(name string) (string, bool) {
	for _, col := range b.Columns {
		if strings.EqualFold(col, name) {
			return col, true
		}
	}
	if b.Aliases[strings.ToLower(name)] {
		return name, true
	}
	return name, b.Columns == nil
}

// Has reports whether a field resolves against this base, directly or as a
// date-part token over an available column.
func (b *Base) Has(field string) bool {
	if _, ok := b.canonical(field); ok {
		return true
	}
	if col, _, ok := ParseDatePartToken(field); ok {
		_, ok = b.canonical(col)
		return ok
	}
	return false
}

// FieldExpr resolves a field name to a SQL expression over _base, plus a
// companion ordering expression when the display form does not sort
// chronologically (month and weekday names). ok is false when the field is
// known to be absent.
func (b *Base) FieldExpr(field string) (expr, orderExpr string, ok bool) {
	return b.FieldExprRel("_base", field)
}

// FieldExprRel is FieldExpr against an arbitrary relation alias; filters
// injected inside a composed wrap reference _t instead of _base.
func (b *Base) FieldExprRel(rel, field string) (expr, orderExpr string, ok bool) {
	d := b.Dialect

	// On a composed base a projected column or alias wins over token
	// expansion: the projection may already carry "created (Month)" as a
	// literal column.
	if b.Composed() {
		if name, found := b.canonical(field); found && b.isProjected(field) {
			expr = rel + "." + QuoteIdent(d, name)
			if col, part, isTok := ParseDatePartToken(field); isTok && !part.Numeric() {
				if rawCol, rawOK := b.canonical(col); rawOK && b.isProjected(col) {
					orderExpr = DatePartOrderExpr(d, part, rel+"."+QuoteIdent(d, rawCol), b.WeekStart)
				}
			}
			return expr, orderExpr, true
		}
	}

	if col, part, isTok := ParseDatePartToken(field); isTok {
		rawCol, rawOK := b.canonical(col)
		if !rawOK {
			return "", "", false
		}
		ref := rel + "." + QuoteIdent(d, rawCol)
		expr = DatePartExpr(d, part, ref, b.WeekStart)
		if !part.Numeric() {
			orderExpr = DatePartOrderExpr(d, part, ref, b.WeekStart)
		}
		return expr, orderExpr, true
	}

	name, found := b.canonical(field)
	if !found {
		return "", "", false
	}
	return rel + "." + QuoteIdent(d, name), "", true
}

// FieldType returns the declared type of an alias, or "" when unknown.
func (b *Base) FieldType(field string) string {
	if b.AliasTypes == nil {
		return ""
	}
	return b.AliasTypes[strings.ToLower(field)]
}

func (b *Base) isProjected(field string) bool {
	for _, col := range b.Columns {
		if strings.EqualFold(col, field) {
			return true
		}
	}
	if b.Aliases[strings.ToLower(field)] {
		return true
	}
	return b.Columns == nil && !b.Composed()
}
