package compile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/facetql/facetql/database"
)

// DatePart is one of the nine derived extractions a field token may carry,
// e.g. "order_date (Month Short)". Numeric parts evaluate to integers,
// label parts to English strings, identically across dialects.
type DatePart string

const (
	PartYear       DatePart = "Year"
	PartQuarter    DatePart = "Quarter"
	PartMonth      DatePart = "Month"
	PartMonthName  DatePart = "Month Name"
	PartMonthShort DatePart = "Month Short"
	PartWeek       DatePart = "Week"
	PartDay        DatePart = "Day"
	PartDayName    DatePart = "Day Name"
	PartDayShort   DatePart = "Day Short"
)

// Numeric reports whether the part evaluates to an integer. Filters on a
// numeric part are coerced to integers before binding.
func (p DatePart) Numeric() bool {
	switch p {
	case PartYear, PartQuarter, PartMonth, PartWeek, PartDay:
		return true
	}
	return false
}

var datePartToken = regexp.MustCompile(`^(.+) \((Year|Quarter|Month|Month Name|Month Short|Week|Day|Day Name|Day Short)\)$`)

// ParseDatePartToken splits a derived field token into its base column and
// part. Plain fields return ok=false.
func ParseDatePartToken(field string) (column string, part DatePart, ok bool) {
	m := datePartToken.FindStringSubmatch(field)
	if m == nil {
		return "", "", false
	}
	return m[1], DatePart(m[2]), true
}

// DatePartToken renders the token form back from its pieces.
func DatePartToken(column string, part DatePart) string {
	return fmt.Sprintf("%s (%s)", column, part)
}

// DatePartExpr returns the dialect expression extracting part from col.
// col must already be a valid SQL expression (quoted identifier or wider).
// weekStart only affects PartWeek: "sun" shifts the bucket boundary one day
// so Sunday falls in the same week number as the following Monday.
func DatePartExpr(d database.Dialect, part DatePart, col, weekStart string) string {
	switch d {
	case database.DialectPostgres:
		return postgresDatePart(part, col, weekStart)
	case database.DialectMySQL:
		return mysqlDatePart(part, col, weekStart)
	case database.DialectMSSQL:
		return mssqlDatePart(part, col, weekStart)
	case database.DialectSQLite:
		return sqliteDatePart(part, col, weekStart)
	default:
		return duckdbDatePart(part, col, weekStart)
	}
}

// DatePartOrderExpr returns the companion ordering expression for a part:
// label parts order by their calendar position (numeric month, ISO weekday)
// so "Jan" sorts before "Feb"; every other part orders by its own value.
func DatePartOrderExpr(d database.Dialect, part DatePart, col, weekStart string) string {
	switch part {
	case PartMonthName, PartMonthShort:
		return DatePartExpr(d, PartMonth, col, weekStart)
	case PartDayName, PartDayShort:
		return isoWeekdayExpr(d, col)
	default:
		return DatePartExpr(d, part, col, weekStart)
	}
}

func weekArg(col, weekStart string, shift func(string) string) string {
	if weekStart == WeekStartSunday {
		return shift(col)
	}
	return col
}

func duckdbDatePart(part DatePart, col, weekStart string) string {
	switch part {
	case PartYear:
		return fmt.Sprintf("CAST(EXTRACT(YEAR FROM %s) AS INTEGER)", col)
	case PartQuarter:
		return fmt.Sprintf("CAST(EXTRACT(QUARTER FROM %s) AS INTEGER)", col)
	case PartMonth:
		return fmt.Sprintf("CAST(EXTRACT(MONTH FROM %s) AS INTEGER)", col)
	case PartMonthName:
		return fmt.Sprintf("monthname(CAST(%s AS DATE))", col)
	case PartMonthShort:
		return fmt.Sprintf("strftime(CAST(%s AS DATE), '%%b')", col)
	case PartWeek:
		arg := weekArg(col, weekStart, func(c string) string {
			return fmt.Sprintf("(%s + INTERVAL 1 DAY)", c)
		})
		return fmt.Sprintf("CAST(EXTRACT(WEEK FROM %s) AS INTEGER)", arg)
	case PartDay:
		return fmt.Sprintf("CAST(EXTRACT(DAY FROM %s) AS INTEGER)", col)
	case PartDayName:
		return fmt.Sprintf("dayname(CAST(%s AS DATE))", col)
	case PartDayShort:
		return fmt.Sprintf("strftime(CAST(%s AS DATE), '%%a')", col)
	}
	return col
}

func postgresDatePart(part DatePart, col, weekStart string) string {
	switch part {
	case PartYear:
		return fmt.Sprintf("CAST(EXTRACT(YEAR FROM %s) AS INTEGER)", col)
	case PartQuarter:
		return fmt.Sprintf("CAST(EXTRACT(QUARTER FROM %s) AS INTEGER)", col)
	case PartMonth:
		return fmt.Sprintf("CAST(EXTRACT(MONTH FROM %s) AS INTEGER)", col)
	case PartMonthName:
		return fmt.Sprintf("TO_CHAR(%s, 'FMMonth')", col)
	case PartMonthShort:
		return fmt.Sprintf("TO_CHAR(%s, 'Mon')", col)
	case PartWeek:
		arg := weekArg(col, weekStart, func(c string) string {
			return fmt.Sprintf("(%s + INTERVAL '1 day')", c)
		})
		return fmt.Sprintf("CAST(EXTRACT(WEEK FROM %s) AS INTEGER)", arg)
	case PartDay:
		return fmt.Sprintf("CAST(EXTRACT(DAY FROM %s) AS INTEGER)", col)
	case PartDayName:
		return fmt.Sprintf("TO_CHAR(%s, 'FMDay')", col)
	case PartDayShort:
		return fmt.Sprintf("TO_CHAR(%s, 'Dy')", col)
	}
	return col
}

func mysqlDatePart(part DatePart, col, weekStart string) string {
	switch part {
	case PartYear:
		return fmt.Sprintf("YEAR(%s)", col)
	case PartQuarter:
		return fmt.Sprintf("QUARTER(%s)", col)
	case PartMonth:
		return fmt.Sprintf("MONTH(%s)", col)
	case PartMonthName:
		return fmt.Sprintf("MONTHNAME(%s)", col)
	case PartMonthShort:
		return fmt.Sprintf("DATE_FORMAT(%s, '%%b')", col)
	case PartWeek:
		// Mode 3: ISO 8601, Monday start, weeks 1-53.
		arg := weekArg(col, weekStart, func(c string) string {
			return fmt.Sprintf("DATE_ADD(%s, INTERVAL 1 DAY)", c)
		})
		return fmt.Sprintf("WEEK(%s, 3)", arg)
	case PartDay:
		return fmt.Sprintf("DAYOFMONTH(%s)", col)
	case PartDayName:
		return fmt.Sprintf("DAYNAME(%s)", col)
	case PartDayShort:
		return fmt.Sprintf("DATE_FORMAT(%s, '%%a')", col)
	}
	return col
}

func mssqlDatePart(part DatePart, col, weekStart string) string {
	switch part {
	case PartYear:
		return fmt.Sprintf("DATEPART(YEAR, %s)", col)
	case PartQuarter:
		return fmt.Sprintf("DATEPART(QUARTER, %s)", col)
	case PartMonth:
		return fmt.Sprintf("DATEPART(MONTH, %s)", col)
	case PartMonthName:
		return fmt.Sprintf("DATENAME(MONTH, %s)", col)
	case PartMonthShort:
		return fmt.Sprintf("LEFT(DATENAME(MONTH, %s), 3)", col)
	case PartWeek:
		arg := weekArg(col, weekStart, func(c string) string {
			return fmt.Sprintf("DATEADD(DAY, 1, %s)", c)
		})
		return fmt.Sprintf("DATEPART(ISO_WEEK, %s)", arg)
	case PartDay:
		return fmt.Sprintf("DATEPART(DAY, %s)", col)
	case PartDayName:
		return fmt.Sprintf("DATENAME(WEEKDAY, %s)", col)
	case PartDayShort:
		return fmt.Sprintf("LEFT(DATENAME(WEEKDAY, %s), 3)", col)
	}
	return col
}

func sqliteDatePart(part DatePart, col, weekStart string) string {
	switch part {
	case PartYear:
		return fmt.Sprintf("CAST(strftime('%%Y', %s) AS INTEGER)", col)
	case PartQuarter:
		return fmt.Sprintf("((CAST(strftime('%%m', %s) AS INTEGER) + 2) / 3)", col)
	case PartMonth:
		return fmt.Sprintf("CAST(strftime('%%m', %s) AS INTEGER)", col)
	case PartMonthName:
		return sqliteMonthCase(col, monthNames)
	case PartMonthShort:
		return sqliteMonthCase(col, monthShorts)
	case PartWeek:
		if weekStart == WeekStartSunday {
			return fmt.Sprintf("CAST(strftime('%%V', %s, '+1 day') AS INTEGER)", col)
		}
		return fmt.Sprintf("CAST(strftime('%%V', %s) AS INTEGER)", col)
	case PartDay:
		return fmt.Sprintf("CAST(strftime('%%d', %s) AS INTEGER)", col)
	case PartDayName:
		return sqliteDayCase(col, dayNames)
	case PartDayShort:
		return sqliteDayCase(col, dayShorts)
	}
	return col
}

var (
	monthNames = []string{"January", "February", "March", "April", "May", "June",
		"July", "August", "September", "October", "November", "December"}
	monthShorts = []string{"Jan", "Feb", "Mar", "Apr", "May", "Jun",
		"Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}
	// Indexed by strftime %w: 0 = Sunday.
	dayNames  = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}
	dayShorts = []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
)

func sqliteMonthCase(col string, labels []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CASE strftime('%%m', %s)", col)
	for i, label := range labels {
		fmt.Fprintf(&b, " WHEN '%02d' THEN '%s'", i+1, label)
	}
	b.WriteString(" END")
	return b.String()
}

func sqliteDayCase(col string, labels []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CASE strftime('%%w', %s)", col)
	for i, label := range labels {
		fmt.Fprintf(&b, " WHEN '%d' THEN '%s'", i, label)
	}
	b.WriteString(" END")
	return b.String()
}

// isoWeekdayExpr returns 1=Monday..7=Sunday, the ordering companion for day
// labels.
func isoWeekdayExpr(d database.Dialect, col string) string {
	switch d {
	case database.DialectPostgres:
		return fmt.Sprintf("CAST(EXTRACT(ISODOW FROM %s) AS INTEGER)", col)
	case database.DialectMySQL:
		return fmt.Sprintf("WEEKDAY(%s) + 1", col)
	case database.DialectMSSQL:
		// DATEDIFF from day 0 (a Monday) is @@DATEFIRST-independent.
		return fmt.Sprintf("(DATEDIFF(DAY, 0, %s) %% 7) + 1", col)
	case database.DialectSQLite:
		return fmt.Sprintf("((CAST(strftime('%%w', %s) AS INTEGER) + 6) %% 7) + 1", col)
	default:
		return fmt.Sprintf("CAST(EXTRACT(ISODOW FROM %s) AS INTEGER)", col)
	}
}

// BucketExpr truncates col to the start of its groupBy bucket. GroupNone
// returns col unchanged. weekStart moves the week boundary to Sunday.
func BucketExpr(d database.Dialect, groupBy, col, weekStart string) string {
	if groupBy == "" || groupBy == GroupNone {
		return col
	}
	switch d {
	case database.DialectPostgres:
		if groupBy == GroupWeek && weekStart == WeekStartSunday {
			return fmt.Sprintf("(DATE_TRUNC('week', %s + INTERVAL '1 day') - INTERVAL '1 day')", col)
		}
		return fmt.Sprintf("DATE_TRUNC('%s', %s)", groupBy, col)
	case database.DialectMySQL:
		return mysqlBucket(groupBy, col, weekStart)
	case database.DialectMSSQL:
		return mssqlBucket(groupBy, col, weekStart)
	case database.DialectSQLite:
		return sqliteBucket(groupBy, col, weekStart)
	default:
		if groupBy == GroupWeek && weekStart == WeekStartSunday {
			return fmt.Sprintf("(DATE_TRUNC('week', %s + INTERVAL 1 DAY) - INTERVAL 1 DAY)", col)
		}
		return fmt.Sprintf("DATE_TRUNC('%s', %s)", groupBy, col)
	}
}

func mysqlBucket(groupBy, col, weekStart string) string {
	switch groupBy {
	case GroupDay:
		return fmt.Sprintf("DATE(%s)", col)
	case GroupWeek:
		if weekStart == WeekStartSunday {
			// DAYOFWEEK: 1 = Sunday.
			return fmt.Sprintf("DATE_SUB(DATE(%s), INTERVAL DAYOFWEEK(%s) - 1 DAY)", col, col)
		}
		// WEEKDAY: 0 = Monday.
		return fmt.Sprintf("DATE_SUB(DATE(%s), INTERVAL WEEKDAY(%s) DAY)", col, col)
	case GroupMonth:
		return fmt.Sprintf("DATE_FORMAT(%s, '%%Y-%%m-01')", col)
	case GroupQuarter:
		return fmt.Sprintf("MAKEDATE(YEAR(%s), 1) + INTERVAL (QUARTER(%s) - 1) QUARTER", col, col)
	case GroupYear:
		return fmt.Sprintf("DATE_FORMAT(%s, '%%Y-01-01')", col)
	}
	return col
}

func mssqlBucket(groupBy, col, weekStart string) string {
	switch groupBy {
	case GroupDay:
		return fmt.Sprintf("CAST(%s AS DATE)", col)
	case GroupWeek:
		// Day 0 is Monday, so DATEDIFF(DAY, 0, x) % 7 is the ISO weekday
		// offset regardless of @@DATEFIRST.
		if weekStart == WeekStartSunday {
			return fmt.Sprintf("DATEADD(DAY, -((DATEDIFF(DAY, 0, %s) + 1) %% 7), CAST(%s AS DATE))", col, col)
		}
		return fmt.Sprintf("DATEADD(DAY, -(DATEDIFF(DAY, 0, %s) %% 7), CAST(%s AS DATE))", col, col)
	case GroupMonth:
		return fmt.Sprintf("DATEFROMPARTS(YEAR(%s), MONTH(%s), 1)", col, col)
	case GroupQuarter:
		return fmt.Sprintf("DATEADD(QUARTER, DATEDIFF(QUARTER, 0, %s), 0)", col)
	case GroupYear:
		return fmt.Sprintf("DATEFROMPARTS(YEAR(%s), 1, 1)", col)
	}
	return col
}

func sqliteBucket(groupBy, col, weekStart string) string {
	switch groupBy {
	case GroupDay:
		return fmt.Sprintf("date(%s)", col)
	case GroupWeek:
		if weekStart == WeekStartSunday {
			return fmt.Sprintf("date(%s, '-6 days', 'weekday 0')", col)
		}
		return fmt.Sprintf("date(%s, '-6 days', 'weekday 1')", col)
	case GroupMonth:
		return fmt.Sprintf("date(%s, 'start of month')", col)
	case GroupQuarter:
		return fmt.Sprintf("date(%s, 'start of month', '-' || ((CAST(strftime('%%m', %s) AS INTEGER) - 1) %% 3) || ' months')", col, col)
	case GroupYear:
		return fmt.Sprintf("date(%s, 'start of year')", col)
	}
	return col
}
