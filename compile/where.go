package compile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/facetql/facetql/util"
)

// Filter operator suffixes, split off the field name at the last "__".
const (
	opEq          = ""
	opNe          = "ne"
	opGt          = "gt"
	opGte         = "gte"
	opLt          = "lt"
	opLte         = "lte"
	opContains    = "contains"
	opNotContains = "notcontains"
	opStartsWith  = "startswith"
	opEndsWith    = "endswith"
)

// Reserved where keys carrying the date range. start/end win over the
// longer aliases when both are present.
var rangeKeys = map[string]string{
	"start": "start", "end": "end",
	"startdate": "start", "enddate": "end",
}

// WhereOptions steers filter placement and validation for one query shape.
type WhereOptions struct {
	// Dimensions are the fields the query groups by; their filters stay in
	// the outer query where they can see the grouped expressions.
	Dimensions map[string]bool
	// DateField anchors the reserved start/end range keys.
	DateField string
	// ExcludeField drops filters on one field, so a distinct-values query
	// is not narrowed by a previous selection of the same field.
	ExcludeField string
	// ParamPrefix namespaces bind parameters; defaults to "w".
	ParamPrefix string
}

// WherePlan is the placed and parameterised filter set. Outer conditions go
// in the aggregate query's WHERE; Inner conditions are injected inside a
// composed base via Base.From.
type WherePlan struct {
	Outer    []string
	Inner    []string
	Params   map[string]any
	Warnings []string
}

func (p *WherePlan) OuterSQL() string { return strings.Join(p.Outer, " AND ") }

// And appends a prebuilt outer condition.
func (p *WherePlan) And(cond string) {
	if cond != "" {
		p.Outer = append(p.Outer, cond)
	}
}

var paramSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)

type paramSet struct {
	prefix string
	params map[string]any
}

func (ps *paramSet) add(field string, value any) string {
	name := ps.prefix + "_" + paramSanitizer.ReplaceAllString(field, "_")
	if _, taken := ps.params[name]; taken {
		for i := 2; ; i++ {
			cand := fmt.Sprintf("%s_%d", name, i)
			if _, taken := ps.params[cand]; !taken {
				name = cand
				break
			}
		}
	}
	ps.params[name] = value
	return name
}

// PlanWhere turns the request's where map into placed SQL conditions.
// Filters never fail a query: conditions that cannot be built are dropped
// with a warning. Keys are processed in sorted order so the emitted SQL is
// deterministic for caching.
func PlanWhere(b *Base, where map[string]any, opts WhereOptions) *WherePlan {
	if opts.ParamPrefix == "" {
		opts.ParamPrefix = "w"
	}
	plan := &WherePlan{Params: map[string]any{}}
	ps := &paramSet{prefix: opts.ParamPrefix, params: plan.Params}

	var rangeStart, rangeEnd any
	var haveShort, haveShortEnd bool

	for key, value := range util.CanonicalMapIter(where) {
		if side, isRange := rangeKeys[strings.ToLower(key)]; isRange {
			short := len(key) <= len("start")
			if side == "start" {
				if short || !haveShort {
					rangeStart = value
					haveShort = haveShort || short
				}
			} else {
				if short || !haveShortEnd {
					rangeEnd = value
					haveShortEnd = haveShortEnd || short
				}
			}
			continue
		}

		field, op := splitFilterKey(key)
		if opts.ExcludeField != "" && strings.EqualFold(field, opts.ExcludeField) {
			continue
		}
		cond, inner, ok := buildFilter(b, ps, field, op, value, opts, plan)
		if !ok {
			continue
		}
		if inner {
			plan.Inner = append(plan.Inner, cond)
		} else {
			plan.Outer = append(plan.Outer, cond)
		}
	}

	planDateRange(b, ps, rangeStart, rangeEnd, opts, plan)
	return plan
}

func splitFilterKey(key string) (field, op string) {
	if i := strings.LastIndex(key, "__"); i > 0 {
		suffix := key[i+2:]
		switch suffix {
		case opNe, opGt, opGte, opLt, opLte, opContains, opNotContains, opStartsWith, opEndsWith:
			return key[:i], suffix
		}
	}
	return key, opEq
}

// innerPlacement: on a composed base, only dimension filters stay outer;
// everything else narrows the base before aggregation.
func innerPlacement(b *Base, field string, opts WhereOptions) bool {
	return b.Composed() && !opts.Dimensions[strings.ToLower(field)]
}

func buildFilter(b *Base, ps *paramSet, field, op string, value any, opts WhereOptions, plan *WherePlan) (cond string, inner bool, ok bool) {
	inner = innerPlacement(b, field, opts)
	rel := "_base"
	if inner {
		rel = "_t"
	}
	expr, _, found := b.FieldExprRel(rel, field)
	if !found {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("dropping filter on unknown field %q", field))
		return "", false, false
	}

	value = coerceForField(b, field, value)

	switch op {
	case opEq:
		cond, ok = buildEquals(ps, expr, field, value, plan)
	case opNe:
		cond, ok = buildNotEquals(ps, expr, field, value, plan)
	case opGt, opGte, opLt, opLte:
		sym := map[string]string{opGt: ">", opGte: ">=", opLt: "<", opLte: "<="}[op]
		cond = fmt.Sprintf("%s %s :%s", expr, sym, ps.add(field, value))
		ok = true
	case opContains:
		cond, ok = buildLike(ps, expr, field, value, "%", "%", false)
	case opNotContains:
		cond, ok = buildLike(ps, expr, field, value, "%", "%", true)
	case opStartsWith:
		cond, ok = buildLike(ps, expr, field, value, "", "%", false)
	case opEndsWith:
		cond, ok = buildLike(ps, expr, field, value, "%", "", false)
	}
	return cond, inner, ok
}

func buildEquals(ps *paramSet, expr, field string, value any, plan *WherePlan) (string, bool) {
	switch v := value.(type) {
	case nil:
		return expr + " IS NULL", true
	case []any:
		if len(v) == 0 {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("dropping empty IN filter on %q", field))
			return "", false
		}
		if allStrings(v) {
			return fmt.Sprintf("LOWER(%s) IN (:%s)", expr, ps.add(field, lowerAll(v))), true
		}
		return fmt.Sprintf("%s IN (:%s)", expr, ps.add(field, v)), true
	case string:
		return fmt.Sprintf("LOWER(%s) = :%s", expr, ps.add(field, strings.ToLower(v))), true
	default:
		return fmt.Sprintf("%s = :%s", expr, ps.add(field, value)), true
	}
}

func buildNotEquals(ps *paramSet, expr, field string, value any, plan *WherePlan) (string, bool) {
	switch v := value.(type) {
	case nil:
		return expr + " IS NOT NULL", true
	case []any:
		if len(v) == 0 {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("dropping empty NOT IN filter on %q", field))
			return "", false
		}
		var conds []string
		for _, item := range v {
			c, _ := buildNotEquals(ps, expr, field, item, plan)
			conds = append(conds, c)
		}
		return "(" + strings.Join(conds, " AND ") + ")", true
	case string:
		return fmt.Sprintf("LOWER(%s) <> :%s", expr, ps.add(field, strings.ToLower(v))), true
	default:
		return fmt.Sprintf("%s <> :%s", expr, ps.add(field, value)), true
	}
}

func buildLike(ps *paramSet, expr, field string, value any, pre, post string, negate bool) (string, bool) {
	pattern := pre + strings.ToLower(fmt.Sprintf("%v", value)) + post
	op := "LIKE"
	if negate {
		op = "NOT LIKE"
	}
	return fmt.Sprintf("LOWER(%s) %s :%s", expr, op, ps.add(field, pattern)), true
}

// planDateRange builds the half-open [start, end) window on DateField. On a
// composed base the window always narrows the base itself.
func planDateRange(b *Base, ps *paramSet, start, end any, opts WhereOptions, plan *WherePlan) {
	if start == nil && end == nil {
		return
	}
	if opts.DateField == "" {
		plan.Warnings = append(plan.Warnings, "dropping date range: no date field configured")
		return
	}
	inner := b.Composed()
	rel := "_base"
	if inner {
		rel = "_t"
	}
	expr, _, found := b.FieldExprRel(rel, opts.DateField)
	if !found {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("dropping date range: field %q not in base", opts.DateField))
		return
	}

	var conds []string
	if start != nil {
		conds = append(conds, fmt.Sprintf("%s >= :%s", expr, ps.add("start", start)))
	}
	if end != nil {
		conds = append(conds, fmt.Sprintf("%s < :%s", expr, ps.add("end", end)))
	}
	for _, c := range conds {
		if inner {
			plan.Inner = append(plan.Inner, c)
		} else {
			plan.Outer = append(plan.Outer, c)
		}
	}
}

// coerceForField aligns filter values with the type a date-part expression
// produces: numeric parts compare against integers.
func coerceForField(b *Base, field string, value any) any {
	_, part, isTok := ParseDatePartToken(field)
	if !isTok || !part.Numeric() {
		return value
	}
	switch v := value.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = coerceInt(item)
		}
		return out
	default:
		return coerceInt(value)
	}
}

func coerceInt(v any) any {
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return int64(n)
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i
		}
	}
	return v
}

func allStrings(vs []any) bool {
	for _, v := range vs {
		if _, ok := v.(string); !ok {
			return false
		}
	}
	return len(vs) > 0
}

func lowerAll(vs []any) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = strings.ToLower(v.(string))
	}
	return out
}
