package compile

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/facetql/facetql/apperr"
)

// ItemScope narrows a DSL item to the whole datasource, one table, or one
// widget. The zero value applies everywhere.
type ItemScope struct {
	Scope    string `json:"scope,omitempty"` // "", "datasource", "table", "widget"
	Table    string `json:"table,omitempty"`
	WidgetID string `json:"widgetId,omitempty"`
}

// AppliesTo reports whether an item scoped like this participates when
// composing the named table for the named widget.
func (s ItemScope) AppliesTo(table, widgetID string) bool {
	switch s.Scope {
	case "", "datasource":
		return true
	case "table":
		return strings.EqualFold(s.Table, table) || strings.EqualFold(s.Table, lastSegment(table))
	case "widget":
		return s.WidgetID != "" && s.WidgetID == widgetID
	default:
		return false
	}
}

func lastSegment(dotted string) string {
	segments := splitDotted(dotted)
	return stripAnyQuotes(segments[len(segments)-1])
}

// CustomColumn is a named projection added to a datasource's base. Expr may
// reference base columns and earlier aliases.
type CustomColumn struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
	Type string `json:"type,omitempty"` // string | number | date | boolean
	ItemScope
}

// Transform kinds.
const (
	KindComputed     = "computed"
	KindCase         = "case"
	KindReplace      = "replace"
	KindTranslate    = "translate"
	KindNullHandling = "nullHandling"
	KindUnpivot      = "unpivot"
)

// Transform is one tagged DSL item. Kind selects which fields are read.
type Transform struct {
	Kind string `json:"kind"`
	ItemScope

	// computed
	Name string `json:"name,omitempty"`
	Expr string `json:"expr,omitempty"`

	// case / replace / translate / nullHandling
	Target  string     `json:"target,omitempty"`
	Cases   []CaseRule `json:"cases,omitempty"`
	Else    any        `json:"else,omitempty"`
	Search  StringList `json:"search,omitempty"`
	Replace StringList `json:"replace,omitempty"`
	Mode    string     `json:"mode,omitempty"` // coalesce | isnull | ifnull
	Value   any        `json:"value,omitempty"`

	// unpivot
	SourceColumns []string `json:"sourceColumns,omitempty"`
	KeyColumn     string   `json:"keyColumn,omitempty"`
	ValueColumn   string   `json:"valueColumn,omitempty"`
	OmitZeroNull  bool     `json:"omitZeroNull,omitempty"`
}

// CaseRule is one WHEN/THEN arm of a case transform.
type CaseRule struct {
	When Condition `json:"when"`
	Then any       `json:"then"`
}

// Condition compares an expression against a literal.
type Condition struct {
	Op    string `json:"op"`
	Left  any    `json:"left"`
	Right any    `json:"right,omitempty"`
}

// Validate checks the discriminant and the fields it requires. Invalid items
// are dropped with a warning at compose time rather than failing queries;
// direct API ingress rejects them outright.
func (t *Transform) Validate() error {
	switch t.Kind {
	case KindComputed:
		if t.Name == "" || t.Expr == "" {
			return errors.New("computed transform requires name and expr")
		}
	case KindCase:
		if t.Target == "" || len(t.Cases) == 0 {
			return errors.New("case transform requires target and cases")
		}
		for _, c := range t.Cases {
			if c.When.Op == "" {
				return errors.New("case rule requires when.op")
			}
		}
	case KindReplace, KindTranslate:
		if t.Target == "" || len(t.Search) == 0 {
			return errors.Errorf("%s transform requires target and search", t.Kind)
		}
	case KindNullHandling:
		if t.Target == "" {
			return errors.New("nullHandling transform requires target")
		}
		switch strings.ToLower(t.Mode) {
		case "", "coalesce", "isnull", "ifnull":
		default:
			return errors.Errorf("unknown nullHandling mode: %s", t.Mode)
		}
	case KindUnpivot:
		if t.KeyColumn == "" || t.ValueColumn == "" {
			return errors.New("unpivot transform requires keyColumn and valueColumn")
		}
	case "":
		return errors.New("transform kind missing")
	default:
		return errors.Errorf("unknown transform kind: %s", t.Kind)
	}
	return nil
}

// Join attaches another table (or a grouped aggregate of one) to the base.
type Join struct {
	JoinType    string         `json:"joinType"` // left | inner | right | lateral
	TargetTable string         `json:"targetTable"`
	SourceKey   string         `json:"sourceKey,omitempty"`
	TargetKey   string         `json:"targetKey,omitempty"`
	Columns     []string       `json:"columns,omitempty"`
	Aggregate   *JoinAggregate `json:"aggregate,omitempty"`
	Filter      string         `json:"filter,omitempty"`
	ItemScope

	// lateral joins correlate explicitly instead of using the key pair
	Correlations []Correlation `json:"correlations,omitempty"`
	OrderBy      string        `json:"orderBy,omitempty"`
	Limit        int           `json:"limit,omitempty"`
}

// JoinAggregate turns the join target into a grouped subquery exposing one
// aggregated column under Alias.
type JoinAggregate struct {
	Fn     string `json:"fn"`
	Column string `json:"column"`
	Alias  string `json:"alias"`
}

// Correlation links one lateral-subquery column to a base column.
type Correlation struct {
	SourceCol string `json:"sourceCol"`
	Op        string `json:"op,omitempty"`
	TargetCol string `json:"targetCol"`
}

func (j *Join) Validate() error {
	switch strings.ToLower(j.JoinType) {
	case "left", "inner", "right":
		if j.SourceKey == "" || j.TargetKey == "" {
			return errors.New("join requires sourceKey and targetKey")
		}
	case "lateral":
		if len(j.Correlations) == 0 {
			return errors.New("lateral join requires correlations")
		}
	case "":
		return errors.New("join type missing")
	default:
		return errors.Errorf("unknown join type: %s", j.JoinType)
	}
	if j.TargetTable == "" {
		return errors.New("join requires targetTable")
	}
	if j.Aggregate != nil {
		if _, err := ParseAgg(j.Aggregate.Fn); err != nil {
			return err
		}
		if j.Aggregate.Column == "" || j.Aggregate.Alias == "" {
			return errors.New("aggregate join requires column and alias")
		}
	}
	return nil
}

// Defaults are applied at the tail of a composed base.
type Defaults struct {
	Sort      *SortSpec `json:"sort,omitempty"`
	LimitTopN *TopNSpec `json:"limitTopN,omitempty"`
}

type SortSpec struct {
	By        string `json:"by"`
	Direction string `json:"direction,omitempty"`
}

// TopNSpec keeps the top N rows by the By-th projected column (1-based).
type TopNSpec struct {
	N         int    `json:"n"`
	By        int    `json:"by"`
	Direction string `json:"direction,omitempty"`
}

// BlackoutWindow is a daily time-of-day range during which syncs for the
// datasource are rejected. Ranges may wrap midnight ("22:00"–"03:00").
type BlackoutWindow struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DatasourceOptions is the typed view of a datasource's opaque options blob:
// the transform DSL plus sync and ingest settings.
type DatasourceOptions struct {
	CustomColumns []CustomColumn `json:"customColumns,omitempty"`
	Transforms    []Transform    `json:"transforms,omitempty"`
	Joins         []Join         `json:"joins,omitempty"`
	Defaults      *Defaults      `json:"defaults,omitempty"`

	// DateField anchors the reserved start/end filter keys for queries
	// that do not name their own date column.
	DateField string `json:"dateField,omitempty"`

	Blackouts          []BlackoutWindow `json:"blackouts,omitempty"`
	MaxConcurrentSyncs int              `json:"maxConcurrentSyncs,omitempty"`

	// API carries the ingest configuration for http-api datasources; the
	// ingest package owns its schema.
	API json.RawMessage `json:"api,omitempty"`
}

// ParseDatasourceOptions decodes the options blob. An empty blob yields
// empty options; malformed JSON is a bad request.
func ParseDatasourceOptions(blob []byte) (*DatasourceOptions, error) {
	opts := &DatasourceOptions{}
	if len(blob) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(blob, opts); err != nil {
		return nil, apperr.Wrap(err, apperr.BadRequest, "malformed datasource options")
	}
	return opts, nil
}
