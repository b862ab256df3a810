// Package compile turns declarative query specs (chart, pivot, distinct,
// period totals) and per-datasource transform pipelines into executable SQL
// for the five supported dialects. It never touches a connection; callers
// feed it probed column sets and execute what it returns.
package compile

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/database"
)

// QuoteIdent wraps a bare identifier in the dialect's quote characters,
// doubling embedded quote characters. Identifiers already quoted for the
// dialect pass through unchanged.
func QuoteIdent(d database.Dialect, name string) string {
	opening, closing := quoteRunes(d)
	if isQuoted(d, name) {
		return name
	}
	escaped := strings.ReplaceAll(name, string(closing), string(closing)+string(closing))
	return string(opening) + escaped + string(closing)
}

// UnquoteIdent reverses QuoteIdent. Unquoted input passes through.
func UnquoteIdent(d database.Dialect, name string) string {
	if !isQuoted(d, name) {
		return name
	}
	_, closing := quoteRunes(d)
	inner := name[1 : len(name)-1]
	return strings.ReplaceAll(inner, string(closing)+string(closing), string(closing))
}

func quoteRunes(d database.Dialect) (byte, byte) {
	switch d {
	case database.DialectMySQL:
		return '`', '`'
	case database.DialectMSSQL:
		return '[', ']'
	default:
		return '"', '"'
	}
}

func isQuoted(d database.Dialect, s string) bool {
	opening, closing := quoteRunes(d)
	return len(s) >= 2 && s[0] == opening && s[len(s)-1] == closing
}

// QuoteSource quotes a possibly dotted source name segment by segment.
// Segments quoted in any recognized style are re-quoted for the target
// dialect rather than quoted twice.
func QuoteSource(d database.Dialect, source string) string {
	segments := splitDotted(source)
	for i, seg := range segments {
		segments[i] = QuoteIdent(d, stripAnyQuotes(seg))
	}
	return strings.Join(segments, ".")
}

// splitDotted splits on dots that sit outside quoted segments.
func splitDotted(s string) []string {
	var segments []string
	var current strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			current.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '`':
			quote = c
			current.WriteByte(c)
		case c == '[':
			quote = ']'
			current.WriteByte(c)
		case c == '.':
			segments = append(segments, current.String())
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	segments = append(segments, current.String())
	return segments
}

func stripAnyQuotes(s string) string {
	if len(s) >= 2 {
		switch {
		case s[0] == '"' && s[len(s)-1] == '"':
			return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
		case s[0] == '`' && s[len(s)-1] == '`':
			return strings.ReplaceAll(s[1:len(s)-1], "``", "`")
		case s[0] == '[' && s[len(s)-1] == ']':
			return strings.ReplaceAll(s[1:len(s)-1], "]]", "]")
		}
	}
	return s
}

// QuoteLiteral renders a Go value as a SQL literal. Strings get single
// quotes with doubling; times render ISO.
func QuoteLiteral(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return "'" + v.Format("2006-01-02 15:04:05") + "'"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", v), "'", "''") + "'"
	}
}

// NormalizeExpr rewrites the identifier quoting inside an expression to the
// target dialect: `[x]`, "`x`" and `"x"` all become the dialect form while
// single-quoted string literals pass through untouched. With numericify set,
// every rewritten identifier is additionally wrapped in the dialect's
// tolerant numeric coercion.
func NormalizeExpr(d database.Dialect, expr string, numericify bool) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch c {
		case '\'':
			end, err := scanLiteral(expr, i)
			if err != nil {
				return "", err
			}
			out.WriteString(expr[i:end])
			i = end
		case '"', '`', '[':
			closer := c
			if c == '[' {
				closer = ']'
			}
			end, err := scanQuoted(expr, i, closer)
			if err != nil {
				return "", err
			}
			name := unescapeQuoted(expr[i+1:end-1], closer)
			ident := QuoteIdent(d, name)
			if numericify {
				ident = Numericify(d, ident)
			}
			out.WriteString(ident)
			i = end
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String(), nil
}

func scanLiteral(expr string, start int) (int, error) {
	i := start + 1
	for i < len(expr) {
		if expr[i] == '\'' {
			if i+1 < len(expr) && expr[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, apperr.New(apperr.BadRequest, "malformed expression: unterminated string literal in %q", expr)
}

func scanQuoted(expr string, start int, closer byte) (int, error) {
	i := start + 1
	for i < len(expr) {
		if expr[i] == closer {
			if i+1 < len(expr) && expr[i+1] == closer {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, apperr.New(apperr.BadRequest, "malformed expression: unbalanced %c in %q", expr[start], expr)
}

func unescapeQuoted(inner string, closer byte) string {
	return strings.ReplaceAll(inner, string(closer)+string(closer), string(closer))
}

// Numericify wraps an already-quoted identifier in the dialect's tolerant
// numeric coercion so string columns holding "1,234" or "12 EUR" still
// aggregate. Unparseable values count as 0.
func Numericify(d database.Dialect, ident string) string {
	switch d {
	case database.DialectDuckDB:
		return fmt.Sprintf(
			"COALESCE(try_cast(regexp_replace(CAST(%s AS VARCHAR), '[^0-9\\.-]', '') AS DOUBLE), try_cast(%s AS DOUBLE), 0.0)",
			ident, ident)
	case database.DialectPostgres:
		return fmt.Sprintf(
			"COALESCE(CAST(NULLIF(regexp_replace(CAST(%s AS TEXT), '[^0-9.-]', '', 'g'), '') AS DOUBLE PRECISION), 0.0)",
			ident)
	case database.DialectMySQL:
		return fmt.Sprintf(
			"COALESCE(CAST(REGEXP_REPLACE(CAST(%s AS CHAR), '[^0-9.-]', '') AS DOUBLE), 0.0)",
			ident)
	case database.DialectMSSQL:
		return fmt.Sprintf(
			"COALESCE(TRY_CAST(REPLACE(REPLACE(REPLACE(CAST(%s AS VARCHAR(255)), ',', ''), '$', ''), ' ', '') AS FLOAT), TRY_CAST(%s AS FLOAT), 0.0)",
			ident, ident)
	default: // sqlite tolerates any cast, non-numerics become 0.0
		return fmt.Sprintf("COALESCE(CAST(%s AS REAL), 0.0)", ident)
	}
}

// ConcatExpr joins expressions with a literal separator using the dialect's
// concatenation style.
func ConcatExpr(d database.Dialect, sep string, exprs ...string) string {
	if len(exprs) == 1 {
		return exprs[0]
	}
	sepLit := QuoteLiteral(sep)
	switch d {
	case database.DialectMySQL, database.DialectMSSQL:
		parts := make([]string, 0, len(exprs)*2-1)
		for i, e := range exprs {
			if i > 0 {
				parts = append(parts, sepLit)
			}
			parts = append(parts, e)
		}
		return "CONCAT(" + strings.Join(parts, ", ") + ")"
	default:
		glue := " || " + sepLit + " || "
		return strings.Join(exprs, glue)
	}
}
