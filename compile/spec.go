package compile

import (
	"encoding/json"
	"strings"

	"github.com/facetql/facetql/apperr"
)

// Compiled is a dialect-ready statement. Params are named (:name style) and
// may hold slices; the executor expands and rebinds them for the driver.
type Compiled struct {
	SQL      string
	Params   map[string]any
	Columns  []string
	Warnings []string
}

// StringList accepts both a JSON string and a JSON array of strings, so
// clients can send legend:"region" or legend:["region","channel"].
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*s = nil
		} else {
			*s = StringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

// QuerySpec is the declarative chart request.
type QuerySpec struct {
	Source    string         `json:"source"`
	Select    []string       `json:"select,omitempty"`
	Where     map[string]any `json:"where,omitempty"`
	X         string         `json:"x,omitempty"`
	Y         string         `json:"y,omitempty"`
	Legend    StringList     `json:"legend,omitempty"`
	Measure   string         `json:"measure,omitempty"`
	Agg       string         `json:"agg,omitempty"`
	GroupBy   string         `json:"groupBy,omitempty"`
	WeekStart string         `json:"weekStart,omitempty"`
	Series    []Series       `json:"series,omitempty"`
	OrderBy   string         `json:"orderBy,omitempty"`
	Order     string         `json:"order,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
	// PreferLocal is the spec-level embedded-store preference. A
	// request-level value overrides it.
	PreferLocal *bool `json:"preferLocalDuck,omitempty"`
}

// Series is one line or bar group in a multi-series chart.
type Series struct {
	Name string `json:"name"`
	Y    string `json:"y"`
	Agg  string `json:"agg,omitempty"`
}

// PivotRequest aggregates one value over the cross product of row and
// column dimensions.
type PivotRequest struct {
	Source     string         `json:"source"`
	Rows       []string       `json:"rows"`
	Cols       []string       `json:"cols"`
	ValueField string         `json:"valueField,omitempty"`
	Aggregator string         `json:"aggregator"`
	Where      map[string]any `json:"where,omitempty"`
	GroupBy    string         `json:"groupBy,omitempty"`
	WeekStart  string         `json:"weekStart,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

// DistinctRequest lists the distinct values of one field.
type DistinctRequest struct {
	Source string         `json:"source"`
	Field  string         `json:"field"`
	Where  map[string]any `json:"where,omitempty"`
}

// PeriodTotalsRequest aggregates a window [start, end), optionally split by
// legend, optionally compared against a previous window.
type PeriodTotalsRequest struct {
	Source    string         `json:"source"`
	Y         string         `json:"y,omitempty"`
	Measure   string         `json:"measure,omitempty"`
	Agg       string         `json:"agg,omitempty"`
	DateField string         `json:"dateField"`
	Start     string         `json:"start"`
	End       string         `json:"end"`
	PrevStart string         `json:"prevStart,omitempty"`
	PrevEnd   string         `json:"prevEnd,omitempty"`
	Where     map[string]any `json:"where,omitempty"`
	Legend    string         `json:"legend,omitempty"`
	WeekStart string         `json:"weekStart,omitempty"`
}

// Aggregations accepted by charts, pivots and period totals.
const (
	AggCount    = "count"
	AggDistinct = "distinct"
	AggSum      = "sum"
	AggAvg      = "avg"
	AggMin      = "min"
	AggMax      = "max"
)

// ParseAgg normalizes an aggregator name. Empty input falls back to count.
func ParseAgg(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return AggCount, nil
	case "count":
		return AggCount, nil
	case "distinct", "count_distinct", "countdistinct":
		return AggDistinct, nil
	case "sum":
		return AggSum, nil
	case "avg", "average", "mean":
		return AggAvg, nil
	case "min":
		return AggMin, nil
	case "max":
		return AggMax, nil
	default:
		return "", apperr.New(apperr.BadRequest, "unknown aggregator: %s", s)
	}
}

// GroupBy buckets accepted by QuerySpec and PivotRequest.
const (
	GroupNone    = "none"
	GroupDay     = "day"
	GroupWeek    = "week"
	GroupMonth   = "month"
	GroupQuarter = "quarter"
	GroupYear    = "year"
)

func ParseGroupBy(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return GroupNone, nil
	case "day":
		return GroupDay, nil
	case "week":
		return GroupWeek, nil
	case "month":
		return GroupMonth, nil
	case "quarter":
		return GroupQuarter, nil
	case "year":
		return GroupYear, nil
	default:
		return "", apperr.New(apperr.BadRequest, "unknown groupBy: %s", s)
	}
}

// Week starts.
const (
	WeekStartMonday = "mon"
	WeekStartSunday = "sun"
)

func ParseWeekStart(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mon", "monday":
		return WeekStartMonday, nil
	case "sun", "sunday":
		return WeekStartSunday, nil
	default:
		return "", apperr.New(apperr.BadRequest, "unknown weekStart: %s", s)
	}
}
