package compile

import (
	"fmt"
	"strings"

	"github.com/facetql/facetql/database"
)

// ComposeInput is everything the composer needs to build a base projection
// for one source table. BaseColumns comes from a zero-row probe; nil means
// the probe was unavailable and reference validation is skipped.
type ComposeInput struct {
	Dialect       database.Dialect
	Source        string
	BaseSelect    []string
	CustomColumns []CustomColumn
	Transforms    []Transform
	Joins         []Join
	Defaults      *Defaults
	Limit         int
	BaseColumns   []string
	WeekStart     string
	WidgetID      string
}

// Composed is a SELECT whose column set is exactly Columns (nil when the
// base could not be probed), usable as "(sql) AS _base" downstream.
type Composed struct {
	SQL        string
	Columns    []string
	Aliases    map[string]bool
	AliasTypes map[string]string
	Warnings   []string
}

type joinPlan struct {
	join  Join
	alias string
}

// ComposeBase builds the base projection: custom columns and computed
// transforms admitted against available columns, column modifications
// (case/replace/translate/nullHandling), unpivot widening, joins, and the
// datasource defaults. Items with unsatisfied dependencies are dropped with
// warnings, never errors.
func ComposeBase(in ComposeInput) (*Composed, error) {
	d := in.Dialect
	out := &Composed{
		Aliases:    map[string]bool{},
		AliasTypes: map[string]string{},
	}
	table := lastSegment(in.Source)

	customCols, transforms, joins := filterScoped(in, table, out)

	known := in.BaseColumns != nil
	var avail map[string]bool
	if known {
		avail = make(map[string]bool, len(in.BaseColumns))
		for _, col := range in.BaseColumns {
			avail[strings.ToLower(col)] = true
		}
	}

	// Joins contribute columns before alias resolution so custom columns may
	// reference them.
	plans, joinCols := planJoins(d, joins, avail, out)

	resolution := resolveItems(d, customCols, transforms, avail, joinCols, out)
	for _, item := range resolution.Admitted {
		out.Aliases[strings.ToLower(item.Name)] = true
	}
	for name, typ := range resolution.Types {
		if typ != "" {
			out.AliasTypes[name] = typ
		}
	}

	modified := buildModifiedTargets(d, transforms, avail, out)
	unpivot := pickUnpivot(transforms, out)

	baseRel := "s"
	from := QuoteSource(d, in.Source) + " AS s"
	if unpivot != nil {
		from = buildUnpivotFrom(d, in.Source, unpivot, resolution, modified, out)
		baseRel = "u"
		out.Aliases[strings.ToLower(unpivot.KeyColumn)] = true
		out.Aliases[strings.ToLower(unpivot.ValueColumn)] = true
		out.AliasTypes[strings.ToLower(unpivot.ValueColumn)] = "number"
	}

	proj, outCols := buildProjection(in, baseRel, resolution, modified, unpivot, plans, joinCols, known, avail, out)
	if len(proj) == 0 {
		proj = []string{baseRel + ".*"}
		outCols = nil
	}
	proj = dedupeProjections(proj)

	var b strings.Builder
	b.WriteString("SELECT ")
	limit := effectiveLimit(in.Limit, in.Defaults)
	if d == database.DialectMSSQL && limit > 0 {
		fmt.Fprintf(&b, "TOP (%d) ", limit)
	}
	b.WriteString(strings.Join(proj, ", "))
	b.WriteString(" FROM ")
	b.WriteString(from)
	for _, plan := range plans {
		clause, ok := buildJoinClause(d, plan, baseRel, out)
		if !ok {
			continue
		}
		b.WriteString(" ")
		b.WriteString(clause)
	}
	writeDefaultsOrder(&b, d, in.Defaults, outCols, out)
	if d != database.DialectMSSQL && limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}

	out.SQL = b.String()
	out.Columns = outCols
	return out, nil
}

func filterScoped(in ComposeInput, table string, out *Composed) ([]CustomColumn, []Transform, []Join) {
	var customCols []CustomColumn
	for _, cc := range in.CustomColumns {
		if !cc.AppliesTo(table, in.WidgetID) {
			continue
		}
		if cc.Name == "" || cc.Expr == "" {
			out.Warnings = append(out.Warnings, "dropping custom column without name or expr")
			continue
		}
		customCols = append(customCols, cc)
	}
	var transforms []Transform
	for _, t := range in.Transforms {
		if !t.AppliesTo(table, in.WidgetID) {
			continue
		}
		if err := t.Validate(); err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("dropping transform: %s", err))
			continue
		}
		transforms = append(transforms, t)
	}
	var joins []Join
	for _, j := range in.Joins {
		if !j.AppliesTo(table, in.WidgetID) {
			continue
		}
		if err := j.Validate(); err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("dropping join: %s", err))
			continue
		}
		joins = append(joins, j)
	}
	return customCols, transforms, joins
}

// planJoins assigns aliases and collects the columns each join contributes.
// Joins whose source key is known to be absent are dropped here, before
// their columns can enter the projection.
func planJoins(d database.Dialect, joins []Join, avail map[string]bool, out *Composed) ([]joinPlan, map[string]string) {
	var plans []joinPlan
	joinCols := map[string]string{}
	for _, j := range joins {
		lateral := strings.EqualFold(j.JoinType, "lateral")
		if lateral && d == database.DialectSQLite {
			out.Warnings = append(out.Warnings, fmt.Sprintf(
				"dropping lateral join to %s: unsupported on sqlite", j.TargetTable))
			continue
		}
		if avail != nil && !lateral && !avail[strings.ToLower(j.SourceKey)] {
			out.Warnings = append(out.Warnings, fmt.Sprintf(
				"dropping join to %s: source key %q not in base columns", j.TargetTable, j.SourceKey))
			continue
		}
		alias := fmt.Sprintf("j%d", len(plans)+1)
		plans = append(plans, joinPlan{join: j, alias: alias})
		if j.Aggregate != nil {
			joinCols[strings.ToLower(j.Aggregate.Alias)] = alias + "." + QuoteIdent(d, j.Aggregate.Alias)
			out.AliasTypes[strings.ToLower(j.Aggregate.Alias)] = "number"
			continue
		}
		for _, col := range j.Columns {
			joinCols[strings.ToLower(col)] = alias + "." + QuoteIdent(d, col)
		}
	}
	for name := range joinCols {
		out.Aliases[name] = true
	}
	return plans, joinCols
}

func resolveItems(d database.Dialect, customCols []CustomColumn, transforms []Transform, avail map[string]bool, joinCols map[string]string, out *Composed) *Resolution {
	var items []AliasItem
	for _, cc := range customCols {
		expr, err := NormalizeExpr(d, cc.Expr, false)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("dropping custom column %q: %s", cc.Name, err))
			continue
		}
		items = append(items, AliasItem{Name: cc.Name, Expr: expr, Type: cc.Type})
	}
	for _, t := range transforms {
		if t.Kind != KindComputed {
			continue
		}
		expr, err := NormalizeExpr(d, t.Expr, false)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("dropping computed transform %q: %s", t.Name, err))
			continue
		}
		items = append(items, AliasItem{Name: t.Name, Expr: expr})
	}

	var resolveAvail map[string]bool
	if avail != nil {
		resolveAvail = make(map[string]bool, len(avail)+len(joinCols))
		for col := range avail {
			resolveAvail[col] = true
		}
		for col := range joinCols {
			resolveAvail[col] = true
		}
	}
	res := ResolveAliases(resolveAvail, items)
	out.Warnings = append(out.Warnings, res.Warnings...)
	return res
}

// buildModifiedTargets chains each target's case/replace/translate/
// nullHandling transforms, in DSL order, into one replacement expression.
func buildModifiedTargets(d database.Dialect, transforms []Transform, avail map[string]bool, out *Composed) map[string]string {
	modified := map[string]string{}
	for _, t := range transforms {
		switch t.Kind {
		case KindCase, KindReplace, KindTranslate, KindNullHandling:
		default:
			continue
		}
		if avail != nil && !avail[strings.ToLower(t.Target)] {
			out.Warnings = append(out.Warnings, fmt.Sprintf(
				"dropping %s transform: target %q not in base columns", t.Kind, t.Target))
			continue
		}
		key := strings.ToLower(t.Target)
		cur, ok := modified[key]
		if !ok {
			cur = QuoteIdent(d, t.Target)
		}
		switch t.Kind {
		case KindCase:
			cur = buildCaseExpr(d, &t, cur)
		case KindReplace:
			cur = buildReplaceChain(cur, t.Search, t.Replace)
		case KindTranslate:
			cur = buildTranslateExpr(d, cur, t.Search, t.Replace)
		case KindNullHandling:
			cur = buildNullHandling(d, cur, t.Mode, t.Value)
		}
		modified[key] = cur
	}
	return modified
}

func pickUnpivot(transforms []Transform, out *Composed) *Transform {
	var unpivot *Transform
	for i := range transforms {
		if transforms[i].Kind != KindUnpivot {
			continue
		}
		if unpivot != nil {
			out.Warnings = append(out.Warnings, "ignoring extra unpivot transform; only one applies")
			continue
		}
		unpivot = &transforms[i]
	}
	return unpivot
}

// buildUnpivotFrom widens the base: one UNION ALL arm per source column,
// each stamping the column name into keyColumn and its value into
// valueColumn, aliased u. Empty sourceColumns are inferred from the
// alias-producing items; with none at all a typed NULL arm keeps downstream
// aggregations valid.
func buildUnpivotFrom(d database.Dialect, source string, t *Transform, res *Resolution, modified map[string]string, out *Composed) string {
	srcCols := t.SourceColumns
	if len(srcCols) == 0 {
		for _, item := range res.Admitted {
			if strings.EqualFold(item.Name, t.KeyColumn) || strings.EqualFold(item.Name, t.ValueColumn) {
				continue
			}
			srcCols = append(srcCols, item.Name)
		}
	}

	quotedSource := QuoteSource(d, source)
	qKey := QuoteIdent(d, t.KeyColumn)
	qVal := QuoteIdent(d, t.ValueColumn)

	if len(srcCols) == 0 {
		out.Warnings = append(out.Warnings, "unpivot has no source columns; emitting typed NULL value column")
		return fmt.Sprintf("(SELECT s.*, %s AS %s, %s AS %s FROM %s AS s) AS u",
			typedNull(d, "string"), qKey, typedNull(d, "number"), qVal, quotedSource)
	}

	var arms []string
	for _, col := range srcCols {
		valExpr := unpivotValueExpr(d, col, res, modified)
		arm := fmt.Sprintf("SELECT s.*, %s AS %s, %s AS %s FROM %s AS s",
			QuoteLiteral(col), qKey, valExpr, qVal, quotedSource)
		if t.OmitZeroNull {
			arm += fmt.Sprintf(" WHERE %s IS NOT NULL AND %s <> 0.0", valExpr, Numericify(d, valExpr))
		}
		arms = append(arms, arm)
	}
	return "(" + strings.Join(arms, " UNION ALL ") + ") AS u"
}

func unpivotValueExpr(d database.Dialect, col string, res *Resolution, modified map[string]string) string {
	for _, item := range res.Admitted {
		if strings.EqualFold(item.Name, col) {
			return "(" + item.Expr + ")"
		}
	}
	if expr, ok := modified[strings.ToLower(col)]; ok {
		return expr
	}
	return QuoteIdent(d, col)
}

func typedNull(d database.Dialect, hint string) string {
	switch d {
	case database.DialectMySQL:
		if hint == "number" {
			return "CAST(NULL AS DOUBLE)"
		}
		return "CAST(NULL AS CHAR)"
	case database.DialectMSSQL:
		if hint == "number" {
			return "CAST(NULL AS FLOAT)"
		}
		return "CAST(NULL AS VARCHAR(255))"
	default:
		if hint == "number" {
			return "CAST(NULL AS DOUBLE)"
		}
		return "CAST(NULL AS VARCHAR)"
	}
}

func buildProjection(in ComposeInput, baseRel string, res *Resolution, modified map[string]string, unpivot *Transform, plans []joinPlan, joinCols map[string]string, known bool, avail map[string]bool, out *Composed) ([]string, []string) {
	d := in.Dialect
	star := len(in.BaseSelect) == 0
	for _, field := range in.BaseSelect {
		if field == "*" {
			star = true
			break
		}
	}

	admitted := map[string]AliasItem{}
	for _, item := range res.Admitted {
		admitted[strings.ToLower(item.Name)] = item
	}

	var proj, outCols []string
	appendAliasProjections := func() {
		for _, item := range res.Admitted {
			proj = append(proj, fmt.Sprintf("(%s) AS %s", item.Expr, QuoteIdent(d, item.Name)))
			outCols = append(outCols, item.Name)
		}
		for _, plan := range plans {
			if plan.join.Aggregate != nil {
				proj = append(proj, joinCols[strings.ToLower(plan.join.Aggregate.Alias)])
				outCols = append(outCols, plan.join.Aggregate.Alias)
				continue
			}
			for _, col := range plan.join.Columns {
				proj = append(proj, joinCols[strings.ToLower(col)])
				outCols = append(outCols, col)
			}
		}
	}

	if star {
		shadowed := false
		if known {
			for _, col := range in.BaseColumns {
				if out.Aliases[strings.ToLower(col)] {
					shadowed = true
					break
				}
			}
		}
		switch {
		case known && unpivot == nil && (len(modified) > 0 || shadowed):
			// Explicit projection: modifications replace their column and
			// base columns shadowed by an alias are never re-projected.
			for _, col := range in.BaseColumns {
				if out.Aliases[strings.ToLower(col)] {
					continue
				}
				if expr, ok := modified[strings.ToLower(col)]; ok {
					proj = append(proj, fmt.Sprintf("%s AS %s", expr, QuoteIdent(d, col)))
				} else {
					proj = append(proj, baseRel+"."+QuoteIdent(d, col))
				}
				outCols = append(outCols, col)
			}
		default:
			proj = append(proj, baseRel+".*")
			if known {
				for _, col := range in.BaseColumns {
					outCols = append(outCols, col)
				}
				if unpivot != nil {
					outCols = append(outCols, unpivot.KeyColumn, unpivot.ValueColumn)
				}
			}
			switch {
			case unpivot != nil && len(modified) > 0:
				out.Warnings = append(out.Warnings, "column modifications outside unpivot source columns are not applied")
			case !known && len(modified) > 0:
				out.Warnings = append(out.Warnings, "column modifications skipped: base columns unknown")
			}
		}
		appendAliasProjections()
		if !known {
			outCols = nil
		}
		return proj, outCols
	}

	for _, field := range in.BaseSelect {
		lower := strings.ToLower(field)
		switch {
		case admitted[lower].Name != "":
			item := admitted[lower]
			proj = append(proj, fmt.Sprintf("(%s) AS %s", item.Expr, QuoteIdent(d, item.Name)))
			outCols = append(outCols, item.Name)
		case joinCols[lower] != "":
			proj = append(proj, joinCols[lower])
			outCols = append(outCols, field)
		case unpivot != nil && (strings.EqualFold(field, unpivot.KeyColumn) || strings.EqualFold(field, unpivot.ValueColumn)):
			proj = append(proj, baseRel+"."+QuoteIdent(d, field))
			outCols = append(outCols, field)
		default:
			if col, part, ok := ParseDatePartToken(field); ok && (!known || avail[strings.ToLower(col)]) {
				expr := DatePartExpr(d, part, baseRel+"."+QuoteIdent(d, col), in.WeekStart)
				proj = append(proj, fmt.Sprintf("%s AS %s", expr, QuoteIdent(d, field)))
				outCols = append(outCols, field)
				out.Aliases[lower] = true
				if part.Numeric() {
					out.AliasTypes[lower] = "number"
				} else {
					out.AliasTypes[lower] = "string"
				}
				continue
			}
			if known && !avail[lower] {
				out.Warnings = append(out.Warnings, fmt.Sprintf("dropping selected column %q: not in base columns", field))
				continue
			}
			if expr, ok := modified[lower]; ok {
				proj = append(proj, fmt.Sprintf("%s AS %s", expr, QuoteIdent(d, field)))
			} else {
				proj = append(proj, baseRel+"."+QuoteIdent(d, field))
			}
			outCols = append(outCols, field)
		}
	}
	return proj, outCols
}

func dedupeProjections(proj []string) []string {
	seen := map[string]bool{}
	var deduped []string
	for _, p := range proj {
		if seen[p] {
			continue
		}
		seen[p] = true
		deduped = append(deduped, p)
	}
	return deduped
}

func buildJoinClause(d database.Dialect, plan joinPlan, baseRel string, out *Composed) (string, bool) {
	j := plan.join
	if strings.EqualFold(j.JoinType, "lateral") {
		return buildLateralClause(d, plan, baseRel, out)
	}

	kind := strings.ToUpper(j.JoinType)
	target := QuoteSource(d, j.TargetTable)
	on := fmt.Sprintf("%s.%s = %s.%s",
		baseRel, QuoteIdent(d, j.SourceKey), plan.alias, QuoteIdent(d, j.TargetKey))

	var rel string
	if j.Aggregate != nil {
		fn, _ := ParseAgg(j.Aggregate.Fn)
		agg := aggCall(d, fn, QuoteIdent(d, j.Aggregate.Column), false)
		rel = fmt.Sprintf("(SELECT %s, %s AS %s FROM %s GROUP BY %s)",
			QuoteIdent(d, j.TargetKey), agg, QuoteIdent(d, j.Aggregate.Alias),
			target, QuoteIdent(d, j.TargetKey))
	} else {
		rel = target
	}

	clause := fmt.Sprintf("%s JOIN %s AS %s ON %s", kind, rel, plan.alias, on)
	if j.Filter != "" {
		filter, err := NormalizeExpr(d, j.Filter, false)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("ignoring join filter on %s: %s", j.TargetTable, err))
		} else {
			clause += " AND (" + filter + ")"
		}
	}
	return clause, true
}

// buildLateralClause emits a correlated subquery join: LATERAL on dialects
// that speak it, OUTER/CROSS APPLY on sqlserver. planJoins already dropped
// lateral joins on sqlite.
func buildLateralClause(d database.Dialect, plan joinPlan, baseRel string, out *Composed) (string, bool) {
	j := plan.join

	var conds []string
	for _, c := range j.Correlations {
		op := condOpSymbol(c.Op)
		conds = append(conds, fmt.Sprintf("t.%s %s %s.%s",
			QuoteIdent(d, c.TargetCol), op, baseRel, QuoteIdent(d, c.SourceCol)))
	}

	sel := "t.*"
	if len(j.Columns) > 0 {
		var cols []string
		for _, col := range j.Columns {
			cols = append(cols, "t."+QuoteIdent(d, col))
		}
		sel = strings.Join(cols, ", ")
	}

	var sub strings.Builder
	sub.WriteString("SELECT ")
	if d == database.DialectMSSQL && j.Limit > 0 {
		fmt.Fprintf(&sub, "TOP (%d) ", j.Limit)
	}
	sub.WriteString(sel)
	fmt.Fprintf(&sub, " FROM %s AS t", QuoteSource(d, j.TargetTable))
	if len(conds) > 0 {
		sub.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	if j.OrderBy != "" {
		col, dir := j.OrderBy, ""
		if i := strings.IndexByte(col, ' '); i > 0 {
			col, dir = col[:i], " "+orderDirection(strings.TrimSpace(col[i+1:]), "ASC")
		}
		fmt.Fprintf(&sub, " ORDER BY t.%s%s", QuoteIdent(d, col), dir)
	}
	if d != database.DialectMSSQL && j.Limit > 0 {
		fmt.Fprintf(&sub, " LIMIT %d", j.Limit)
	}

	if d == database.DialectMSSQL {
		apply := "OUTER APPLY"
		if strings.EqualFold(j.JoinType, "inner") {
			apply = "CROSS APPLY"
		}
		return fmt.Sprintf("%s (%s) AS %s", apply, sub.String(), plan.alias), true
	}
	return fmt.Sprintf("LEFT JOIN LATERAL (%s) AS %s ON TRUE", sub.String(), plan.alias), true
}

func writeDefaultsOrder(b *strings.Builder, d database.Dialect, defaults *Defaults, outCols []string, out *Composed) {
	if defaults == nil {
		return
	}
	if topN := defaults.LimitTopN; topN != nil && topN.N > 0 {
		if outCols != nil && (topN.By < 1 || topN.By > len(outCols)) {
			out.Warnings = append(out.Warnings, fmt.Sprintf("ignoring limitTopN: ordinal %d out of range", topN.By))
			return
		}
		by := topN.By
		if by < 1 {
			by = 1
		}
		fmt.Fprintf(b, " ORDER BY %d %s", by, orderDirection(topN.Direction, "DESC"))
		return
	}
	if sort := defaults.Sort; sort != nil && sort.By != "" {
		fmt.Fprintf(b, " ORDER BY %s %s", QuoteIdent(d, sort.By), orderDirection(sort.Direction, "ASC"))
	}
}

func orderDirection(dir, fallback string) string {
	switch strings.ToLower(dir) {
	case "asc":
		return "ASC"
	case "desc":
		return "DESC"
	}
	return fallback
}

// effectiveLimit caps the composed base: the smaller of the caller's limit
// and the datasource's top-N default, when either is set.
func effectiveLimit(limit int, defaults *Defaults) int {
	if defaults != nil && defaults.LimitTopN != nil && defaults.LimitTopN.N > 0 {
		if limit <= 0 || defaults.LimitTopN.N < limit {
			return defaults.LimitTopN.N
		}
	}
	if limit > 0 {
		return limit
	}
	return 0
}

func condOpSymbol(op string) string {
	switch strings.ToLower(op) {
	case "", "eq", "=":
		return "="
	case "ne", "!=", "<>":
		return "<>"
	case "gt", ">":
		return ">"
	case "gte", ">=":
		return ">="
	case "lt", "<":
		return "<"
	case "lte", "<=":
		return "<="
	default:
		return "="
	}
}

// buildCaseExpr renders a case transform over the current target expression.
// A missing ELSE preserves the original value.
func buildCaseExpr(d database.Dialect, t *Transform, cur string) string {
	var b strings.Builder
	b.WriteString("CASE")
	for _, rule := range t.Cases {
		b.WriteString(" WHEN ")
		b.WriteString(buildCondition(d, rule.When, cur))
		b.WriteString(" THEN ")
		b.WriteString(QuoteLiteral(rule.Then))
	}
	b.WriteString(" ELSE ")
	if t.Else != nil {
		b.WriteString(QuoteLiteral(t.Else))
	} else {
		b.WriteString(cur)
	}
	b.WriteString(" END")
	return b.String()
}

func buildCondition(d database.Dialect, c Condition, cur string) string {
	left := cur
	if c.Left != nil {
		left = condOperand(d, c.Left)
	}
	switch strings.ToLower(c.Op) {
	case "isnull", "is_null":
		return left + " IS NULL"
	case "notnull", "not_null":
		return left + " IS NOT NULL"
	case "contains":
		pattern := "%" + strings.ToLower(fmt.Sprintf("%v", c.Right)) + "%"
		return fmt.Sprintf("LOWER(%s) LIKE %s", left, QuoteLiteral(pattern))
	default:
		return fmt.Sprintf("%s %s %s", left, condOpSymbol(c.Op), QuoteLiteral(c.Right))
	}
}

var identShape = `abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_ `

// condOperand treats identifier-shaped strings as column references and
// everything else as a literal or expression.
func condOperand(d database.Dialect, v any) string {
	s, ok := v.(string)
	if !ok {
		return QuoteLiteral(v)
	}
	if s != "" && strings.Trim(s, identShape) == "" && !isDigitStart(s) {
		return QuoteIdent(d, s)
	}
	if normalized, err := NormalizeExpr(d, s, false); err == nil && strings.ContainsAny(s, "\"`[") {
		return normalized
	}
	return QuoteLiteral(s)
}

func isDigitStart(s string) bool {
	return len(s) > 0 && s[0] >= '0' && s[0] <= '9'
}

// buildReplaceChain nests REPLACE calls, pairing search[i] with replace[i]
// and deleting (empty replacement) past the end of the replace list.
func buildReplaceChain(cur string, search, replace []string) string {
	for i, s := range search {
		r := ""
		if i < len(replace) {
			r = replace[i]
		}
		cur = fmt.Sprintf("REPLACE(%s, %s, %s)", cur, QuoteLiteral(s), QuoteLiteral(r))
	}
	return cur
}

// buildTranslateExpr maps characters of search to replace. Dialects without
// TRANSLATE (and sqlserver when the lengths differ, which it rejects) get a
// character-wise REPLACE chain.
func buildTranslateExpr(d database.Dialect, cur string, search, replace []string) string {
	from := strings.Join(search, "")
	to := strings.Join(replace, "")

	native := d == database.DialectPostgres || d == database.DialectDuckDB
	if d == database.DialectMSSQL && len([]rune(from)) == len([]rune(to)) {
		native = true
	}
	if native {
		return fmt.Sprintf("TRANSLATE(%s, %s, %s)", cur, QuoteLiteral(from), QuoteLiteral(to))
	}

	toRunes := []rune(to)
	for i, r := range []rune(from) {
		repl := ""
		if i < len(toRunes) {
			repl = string(toRunes[i])
		}
		cur = fmt.Sprintf("REPLACE(%s, %s, %s)", cur, QuoteLiteral(string(r)), QuoteLiteral(repl))
	}
	return cur
}

// buildNullHandling maps the requested mode to a function the dialect
// actually has; COALESCE is the universal fallback.
func buildNullHandling(d database.Dialect, cur, mode string, value any) string {
	fn := "COALESCE"
	switch strings.ToLower(mode) {
	case "isnull":
		if d == database.DialectMSSQL {
			fn = "ISNULL"
		}
	case "ifnull":
		switch d {
		case database.DialectMySQL, database.DialectSQLite, database.DialectDuckDB:
			fn = "IFNULL"
		}
	}
	return fmt.Sprintf("%s(%s, %s)", fn, cur, QuoteLiteral(value))
}

// aggCall renders an aggregate over an expression. distinct means
// COUNT(DISTINCT x); count ignores the expression.
func aggCall(d database.Dialect, agg, expr string, numericify bool) string {
	switch agg {
	case AggCount:
		return "COUNT(*)"
	case AggDistinct:
		return fmt.Sprintf("COUNT(DISTINCT %s)", expr)
	default:
		if numericify {
			expr = Numericify(d, expr)
		}
		return fmt.Sprintf("%s(%s)", strings.ToUpper(agg), expr)
	}
}
