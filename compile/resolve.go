package compile

import (
	"fmt"
	"strings"
)

// maxResolvePasses bounds alias admission so derived-from-derived chains up
// to that depth resolve; anything deeper is dropped with a warning.
const maxResolvePasses = 5

// AliasItem is a candidate projection: a custom column, computed transform
// or join-contributed column, queued for dependency-ordered admission.
type AliasItem struct {
	Name string
	Expr string
	Type string // optional hint: string | number | date | boolean
	refs []string
}

// Resolution is the admitted subset of alias items, in admission order.
type Resolution struct {
	Admitted []AliasItem
	Types    map[string]string
	Warnings []string
}

// IsAdmitted reports whether the name survived resolution.
func (r *Resolution) IsAdmitted(name string) bool {
	for _, item := range r.Admitted {
		if strings.EqualFold(item.Name, name) {
			return true
		}
	}
	return false
}

// ResolveAliases admits items whose references are all satisfied by the
// available set (base columns and previously admitted aliases), iterating so
// chains of derived columns succeed. A nil available set disables reference
// checking and admits every item in order, keeping queries compilable when
// the base could not be probed.
func ResolveAliases(available map[string]bool, items []AliasItem) *Resolution {
	res := &Resolution{Types: map[string]string{}}

	admit := func(item AliasItem) {
		res.Admitted = append(res.Admitted, item)
		res.Types[strings.ToLower(item.Name)] = aliasType(item)
	}

	if available == nil {
		for _, item := range items {
			admit(item)
		}
		return res
	}

	known := make(map[string]bool, len(available))
	for col := range available {
		known[strings.ToLower(col)] = true
	}

	pending := make([]AliasItem, len(items))
	copy(pending, items)
	for i := range pending {
		pending[i].refs = ExtractRefs(pending[i].Expr)
	}

	for pass := 0; pass < maxResolvePasses && len(pending) > 0; pass++ {
		var next []AliasItem
		progressed := false
		for _, item := range pending {
			if refsSatisfied(item.refs, known) {
				admit(item)
				known[strings.ToLower(item.Name)] = true
				progressed = true
			} else {
				next = append(next, item)
			}
		}
		pending = next
		if !progressed {
			break
		}
	}

	for _, item := range pending {
		var missing []string
		for _, ref := range item.refs {
			if !known[strings.ToLower(ref)] {
				missing = append(missing, ref)
			}
		}
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"dropping %q: references unavailable columns: %s",
			item.Name, strings.Join(missing, ", ")))
	}
	return res
}

func refsSatisfied(refs []string, known map[string]bool) bool {
	for _, ref := range refs {
		if !known[strings.ToLower(ref)] {
			return false
		}
	}
	return true
}

func aliasType(item AliasItem) string {
	if item.Type != "" {
		return strings.ToLower(item.Type)
	}
	return InferExprType(item.Expr)
}

// InferExprType guesses a type hint from the expression shape: pure
// arithmetic over identifiers is numeric, anything else is unknown.
func InferExprType(expr string) string {
	stripped := stripIdentifiersAndLiterals(expr)
	if stripped == "" {
		return ""
	}
	for _, r := range stripped {
		switch {
		case r >= '0' && r <= '9':
		case r == '+' || r == '-' || r == '*' || r == '/' || r == '(' || r == ')' || r == '.' || r == ' ' || r == ',':
		default:
			return ""
		}
	}
	return "number"
}

// numericFunctions keep an expression in number territory; any other
// function call makes the type unknown.
var numericFunctions = map[string]bool{
	"round": true, "abs": true, "floor": true, "ceil": true, "ceiling": true,
	"power": true, "sqrt": true, "exp": true, "ln": true, "log": true,
	"sign": true, "mod": true, "greatest": true, "least": true,
}

func stripIdentifiersAndLiterals(expr string) string {
	var out strings.Builder
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == '\'':
			end, err := scanLiteral(expr, i)
			if err != nil {
				return expr // unbalanced; let the caller's own scan report it
			}
			out.WriteByte('?') // literal present: not pure arithmetic
			i = end
		case c == '"' || c == '`' || c == '[':
			closer := c
			if c == '[' {
				closer = ']'
			}
			end, err := scanQuoted(expr, i, closer)
			if err != nil {
				return expr
			}
			i = end
		case isIdentStart(c):
			end := scanBareIdent(expr, i)
			word := expr[i:end]
			i = end
			if i < len(expr) && expr[i] == '(' && !numericFunctions[strings.ToLower(word)] {
				out.WriteByte('?')
			}
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String()
}

// reservedWords are skipped by the reference scanner: SQL keywords and
// function-like tokens that are not column references.
var reservedWords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "is": true, "null": true,
	"like": true, "between": true, "case": true, "when": true, "then": true,
	"else": true, "end": true, "as": true, "true": true, "false": true,
	"cast": true, "interval": true, "distinct": true, "asc": true, "desc": true,
	"integer": true, "bigint": true, "double": true, "varchar": true,
	"decimal": true, "date": true, "timestamp": true, "boolean": true,
	"day": true, "month": true, "year": true, "from": true, "select": true,
	"where": true, "group": true, "by": true, "order": true, "limit": true,
}

// baseAlias is the reserved alias of the base relation inside composed SQL;
// references through it resolve to the bare column.
const baseAlias = "s"

// ExtractRefs scans an expression lexer-style and returns the column
// identifiers it references: quoted and bare identifiers, with alias.column
// prefixes stripped, string literals and function names skipped.
func ExtractRefs(expr string) []string {
	var refs []string
	seen := map[string]bool{}
	add := func(name string) {
		if name == "" || name == baseAlias {
			return
		}
		key := strings.ToLower(name)
		if !seen[key] {
			seen[key] = true
			refs = append(refs, name)
		}
	}

	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == '\'':
			end, err := scanLiteral(expr, i)
			if err != nil {
				return refs
			}
			i = end
		case c == '"' || c == '`' || c == '[':
			closer := c
			if c == '[' {
				closer = ']'
			}
			end, err := scanQuoted(expr, i, closer)
			if err != nil {
				return refs
			}
			name := unescapeQuoted(expr[i+1:end-1], closer)
			i = end
			// a quoted segment may itself be a table alias prefix
			if i < len(expr) && expr[i] == '.' {
				i++
				continue
			}
			add(name)
		case isIdentStart(c):
			end := scanBareIdent(expr, i)
			word := expr[i:end]
			i = end
			if i < len(expr) && expr[i] == '.' {
				// alias prefix: skip it, the next token is the column
				i++
				continue
			}
			if i < len(expr) && expr[i] == '(' {
				continue // function name
			}
			if reservedWords[strings.ToLower(word)] {
				continue
			}
			add(word)
		case c >= '0' && c <= '9':
			i = scanNumber(expr, i)
		default:
			i++
		}
	}
	return refs
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func scanBareIdent(expr string, start int) int {
	i := start
	for i < len(expr) {
		c := expr[i]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			i++
			continue
		}
		break
	}
	return i
}

func scanNumber(expr string, start int) int {
	i := start
	for i < len(expr) {
		c := expr[i]
		if (c >= '0' && c <= '9') || c == '.' {
			i++
			continue
		}
		break
	}
	return i
}
