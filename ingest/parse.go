package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/facetql/facetql/apperr"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// detectCSV decides whether a response body is CSV: forced by the parse
// option, indicated by the content type, or requested via a format=csv
// query parameter.
func detectCSV(cfg *Config, contentType string) bool {
	if strings.EqualFold(cfg.Parse, "csv") {
		return true
	}
	if strings.ToLower(cfg.Parse) == "json" {
		return false
	}
	if strings.Contains(strings.ToLower(contentType), "csv") {
		return true
	}
	if strings.EqualFold(cfg.Query["format"], "csv") {
		return true
	}
	if u, err := url.Parse(cfg.URL); err == nil {
		if strings.EqualFold(u.Query().Get("format"), "csv") {
			return true
		}
	}
	return false
}

// parseCSV reads a CSV body into records keyed by header. It strips a BOM
// and full-line comments, sniffs the delimiter, synthesizes names for
// empty header cells and deduplicates repeated headers.
func parseCSV(data []byte) ([]string, []map[string]any, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			continue
		}
		kept = append(kept, line)
	}
	text := strings.Join(kept, "\n")
	if strings.TrimSpace(text) == "" {
		return nil, nil, nil
	}

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = sniffDelimiter(kept[0])
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, apperr.Wrap(err, apperr.BadGateway, "parsing csv response")
	}
	if len(all) == 0 {
		return nil, nil, nil
	}

	headers := cleanHeaders(all[0])
	records := make([]map[string]any, 0, len(all)-1)
	for _, row := range all[1:] {
		rec := make(map[string]any, len(headers))
		for i, h := range headers {
			if i < len(row) {
				rec[h] = row[i]
			}
		}
		records = append(records, rec)
	}
	return headers, records, nil
}

func sniffDelimiter(headerLine string) rune {
	best, bestCount := ',', strings.Count(headerLine, ",")
	for _, cand := range []rune{';', '\t', '|'} {
		if n := strings.Count(headerLine, string(cand)); n > bestCount {
			best, bestCount = cand, n
		}
	}
	return best
}

func cleanHeaders(raw []string) []string {
	seen := make(map[string]int, len(raw))
	headers := make([]string, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(strings.TrimPrefix(h, string(utf8BOM)))
		if h == "" {
			h = fmt.Sprintf("col%d", i+1)
		}
		seen[h]++
		if n := seen[h]; n > 1 {
			h = fmt.Sprintf("%s_%d", h, n)
		}
		headers[i] = h
	}
	return headers
}

// parseJSONRecords extracts the record list from a JSON body. rootPath
// selects a nested position; an array there is iterated, a lone object is
// wrapped, null or a missing path yields no records.
func parseJSONRecords(data []byte, rootPath string) ([]map[string]any, error) {
	if !gjson.ValidBytes(data) {
		return nil, apperr.New(apperr.BadGateway, "upstream returned malformed json")
	}
	root := gjson.ParseBytes(data)
	if rootPath != "" {
		root = root.Get(rootPath)
	}
	switch {
	case !root.Exists(), root.Type == gjson.Null:
		return nil, nil
	case root.IsArray():
		items := root.Array()
		records := make([]map[string]any, 0, len(items))
		for _, item := range items {
			records = append(records, asRecord(item))
		}
		return records, nil
	default:
		return []map[string]any{asRecord(root)}, nil
	}
}

func asRecord(item gjson.Result) map[string]any {
	if item.IsObject() {
		if m, ok := item.Value().(map[string]any); ok {
			return m
		}
	}
	return map[string]any{"value": item.Value()}
}

// flattenRecord rewrites nested objects into compound keys (a.b.c becomes
// a_b_c) and serializes arrays as JSON strings.
func flattenRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	flattenInto(out, "", rec)
	return out
}

func flattenInto(out map[string]any, prefix string, rec map[string]any) {
	for k, v := range rec {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch nested := v.(type) {
		case map[string]any:
			flattenInto(out, key, nested)
		case []any:
			raw, err := json.Marshal(nested)
			if err != nil {
				out[key] = fmt.Sprintf("%v", nested)
				continue
			}
			out[key] = string(raw)
		default:
			out[key] = v
		}
	}
}

// tabulate turns records into a column list and row matrix. CSV headers
// fix the leading column order; columns discovered later append in first
// appearance order with per-record keys visited sorted.
func tabulate(records []map[string]any, headerOrder []string) ([]string, [][]any) {
	cols := make([]string, 0, 8)
	index := make(map[string]int)
	for _, h := range headerOrder {
		if _, ok := index[h]; !ok {
			index[h] = len(cols)
			cols = append(cols, h)
		}
	}

	flat := make([]map[string]any, len(records))
	for i, rec := range records {
		f := flattenRecord(rec)
		flat[i] = f
		keys := make([]string, 0, len(f))
		for k := range f {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, ok := index[k]; !ok {
				index[k] = len(cols)
				cols = append(cols, k)
			}
		}
	}

	rows := make([][]any, len(flat))
	for i, f := range flat {
		row := make([]any, len(cols))
		for k, v := range f {
			row[index[k]] = v
		}
		rows[i] = row
	}
	return cols, rows
}
