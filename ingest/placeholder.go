package ingest

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/util"
)

var (
	secretRe = regexp.MustCompile(`\{\{secret:([A-Za-z0-9_]+)\}\}`)
	offsetRe = regexp.MustCompile(`([+-]\d+)([dhwmy])$`)
)

// ExpandTemplate substitutes {{name}} placeholders and {{secret:NAME}}
// environment references in s.
func ExpandTemplate(s string, vals map[string]string) string {
	if s == "" {
		return s
	}
	s = secretRe.ReplaceAllStringFunc(s, func(m string) string {
		name := secretRe.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
	for name, v := range util.CanonicalMapIter(vals) {
		s = strings.ReplaceAll(s, "{{"+name+"}}", v)
	}
	return s
}

// ResolvePlaceholders evaluates the declared placeholders against now.
// Static values only get secret expansion; date values resolve macros and
// are rendered through their format.
func ResolvePlaceholders(now time.Time, phs []Placeholder) (map[string]string, error) {
	out := make(map[string]string, len(phs))
	for _, p := range phs {
		if p.Name == "" {
			return nil, apperr.New(apperr.BadRequest, "placeholder without a name")
		}
		switch strings.ToLower(p.Kind) {
		case "", "static":
			out[p.Name] = ExpandTemplate(p.Value, nil)
		case "date":
			t, err := resolveDateMacro(now, p.Value)
			if err != nil {
				return nil, err
			}
			out[p.Name] = strftime(t, normalizeFormat(p.Format))
		default:
			return nil, apperr.New(apperr.BadRequest, "unknown placeholder kind %q", p.Kind)
		}
	}
	return out, nil
}

// resolveDateMacro evaluates expressions like yesterday, startOfMonth or
// endOfYear-1m. The optional trailing offset is [+-]N[dhwmy].
func resolveDateMacro(now time.Time, value string) (time.Time, error) {
	macro := strings.TrimSpace(value)
	offset := 0
	unit := byte(0)
	if m := offsetRe.FindStringSubmatch(macro); m != nil {
		macro = strings.TrimSpace(macro[:len(macro)-len(m[0])])
		offset, _ = strconv.Atoi(m[1])
		unit = m[2][0]
	}

	t, err := macroTime(now, macro)
	if err != nil {
		return time.Time{}, err
	}
	switch unit {
	case 'd':
		t = t.AddDate(0, 0, offset)
	case 'h':
		t = t.Add(time.Duration(offset) * time.Hour)
	case 'w':
		t = t.AddDate(0, 0, 7*offset)
	case 'm':
		t = t.AddDate(0, offset, 0)
	case 'y':
		t = t.AddDate(offset, 0, 0)
	}
	return t, nil
}

func macroTime(now time.Time, macro string) (time.Time, error) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch strings.ToLower(macro) {
	case "today":
		return day, nil
	case "yesterday":
		return day.AddDate(0, 0, -1), nil
	case "startofday":
		return day, nil
	case "startofweek":
		// Weeks start on Monday.
		return day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7)), nil
	case "startofmonth":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()), nil
	case "startofquarter":
		month := now.Month() - (now.Month()-1)%3
		return time.Date(now.Year(), month, 1, 0, 0, 0, 0, now.Location()), nil
	case "startofyear":
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location()), nil
	case "endofday":
		return day.Add(24*time.Hour - time.Second), nil
	case "endofmonth":
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return first.AddDate(0, 1, 0).Add(-time.Second), nil
	case "endofyear":
		return time.Date(now.Year(), 12, 31, 23, 59, 59, 0, now.Location()), nil
	default:
		return time.Time{}, apperr.New(apperr.BadRequest, "unknown date macro %q", macro)
	}
}

// normalizeFormat rewrites the documented YYYY/MM/DD/HH/mm/ss tokens to
// strftime directives; % directives already present pass through.
func normalizeFormat(format string) string {
	if format == "" {
		return "%Y-%m-%d"
	}
	return strings.NewReplacer(
		"YYYY", "%Y",
		"MM", "%m",
		"DD", "%d",
		"HH", "%H",
		"mm", "%M",
		"ss", "%S",
	).Replace(format)
}

func strftime(t time.Time, layout string) string {
	var b strings.Builder
	for i := 0; i < len(layout); i++ {
		if layout[i] != '%' || i+1 >= len(layout) {
			b.WriteByte(layout[i])
			continue
		}
		i++
		switch layout[i] {
		case 'Y':
			fmt.Fprintf(&b, "%04d", t.Year())
		case 'y':
			fmt.Fprintf(&b, "%02d", t.Year()%100)
		case 'm':
			fmt.Fprintf(&b, "%02d", int(t.Month()))
		case 'd':
			fmt.Fprintf(&b, "%02d", t.Day())
		case 'H':
			fmt.Fprintf(&b, "%02d", t.Hour())
		case 'M':
			fmt.Fprintf(&b, "%02d", t.Minute())
		case 'S':
			fmt.Fprintf(&b, "%02d", t.Second())
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(layout[i])
		}
	}
	return b.String()
}
