package compile

import (
	"strings"

	pgquery "github.com/pganalyze/pg_query_go/v2"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/database"
)

// EnsureReadOnly rejects custom SQL that is not a single SELECT. Dialects
// speaking the postgres grammar get a real parse; everything else a
// keyword scan over the statement with comments and literals blanked out.
func EnsureReadOnly(d database.Dialect, sql string) error {
	switch d {
	case database.DialectPostgres:
		parsed, err := ensureSelectParsed(sql)
		if !parsed {
			return apperr.Wrap(err, apperr.BadRequest, "invalid custom sql")
		}
		return err
	case database.DialectDuckDB:
		// duckdb extends the postgres grammar; statements the postgres
		// parser cannot read fall back to the scan instead of failing.
		parsed, err := ensureSelectParsed(sql)
		if !parsed {
			return ensureSelectScanned(sql)
		}
		return err
	default:
		return ensureSelectScanned(sql)
	}
}

// ensureSelectParsed reports parsed=false when the grammar rejected the
// input outright; err then holds the parser's complaint.
func ensureSelectParsed(sql string) (bool, error) {
	result, err := pgquery.Parse(sql)
	if err != nil {
		return false, err
	}
	if len(result.Stmts) != 1 {
		return true, apperr.New(apperr.BadRequest, "custom sql must be exactly one statement")
	}
	switch result.Stmts[0].Stmt.Node.(type) {
	case *pgquery.Node_SelectStmt:
		return true, nil
	default:
		return true, apperr.New(apperr.BadRequest, "custom sql must be a SELECT statement")
	}
}

var forbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "MERGE", "REPLACE",
	"CREATE", "ALTER", "DROP", "TRUNCATE", "RENAME",
	"GRANT", "REVOKE", "EXEC", "EXECUTE", "CALL",
	"ATTACH", "DETACH", "PRAGMA", "COPY", "VACUUM",
	"SET", "USE", "LOAD", "INSTALL",
}

func ensureSelectScanned(sql string) error {
	flat := blankNonCode(sql)

	trimmed := strings.TrimSpace(flat)
	if semi := strings.IndexByte(trimmed, ';'); semi >= 0 && strings.TrimSpace(trimmed[semi+1:]) != "" {
		return apperr.New(apperr.BadRequest, "custom sql must be exactly one statement")
	}

	fields := strings.Fields(strings.ToUpper(strings.ReplaceAll(trimmed, ";", " ")))
	if len(fields) == 0 {
		return apperr.New(apperr.BadRequest, "custom sql is empty")
	}
	if fields[0] != "SELECT" && fields[0] != "WITH" {
		return apperr.New(apperr.BadRequest, "custom sql must be a SELECT statement")
	}
	for _, word := range fields {
		for _, bad := range forbiddenKeywords {
			if word == bad {
				return apperr.New(apperr.BadRequest, "custom sql must be read-only: %s not allowed", bad)
			}
		}
	}
	return nil
}

// blankNonCode replaces comments, string literals and quoted identifiers
// with spaces so the keyword scan cannot be fooled by their contents.
func blankNonCode(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				b.WriteByte(' ')
				i++
			}
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			depth := 1
			b.WriteString("  ")
			i += 2
			for i < len(sql) && depth > 0 {
				if sql[i] == '*' && i+1 < len(sql) && sql[i+1] == '/' {
					depth--
					b.WriteString("  ")
					i += 2
					continue
				}
				b.WriteByte(' ')
				i++
			}
		case c == '\'':
			i = blankQuoted(&b, sql, i, '\'')
		case c == '"':
			i = blankQuoted(&b, sql, i, '"')
		case c == '`':
			i = blankQuoted(&b, sql, i, '`')
		case c == '[':
			b.WriteByte(' ')
			i++
			for i < len(sql) && sql[i] != ']' {
				b.WriteByte(' ')
				i++
			}
			if i < len(sql) {
				b.WriteByte(' ')
				i++
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func blankQuoted(b *strings.Builder, sql string, i int, quote byte) int {
	b.WriteByte(' ')
	i++
	for i < len(sql) {
		if sql[i] == quote {
			// doubled quote is an escape
			if i+1 < len(sql) && sql[i+1] == quote {
				b.WriteString("  ")
				i += 2
				continue
			}
			b.WriteByte(' ')
			return i + 1
		}
		b.WriteByte(' ')
		i++
	}
	return i
}
