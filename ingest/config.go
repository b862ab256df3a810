// Package ingest pulls rows from upstream HTTP APIs into the embedded
// store: placeholder substitution, auth, paginated fetch, CSV/JSON
// parsing, schema evolution, windowed sequencing and the optional gap
// fill. Configuration rides on the datasource's options blob.
package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/database"
)

// Copy phases reported through OnPhase.
const (
	PhaseFetch  = "fetch"
	PhaseInsert = "insert"
)

// Config is the api section of a datasource's options.
type Config struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    string            `json:"body,omitempty"`

	// Parse forces the body format; empty auto-detects (csv by
	// content-type or a format=csv query parameter, json otherwise).
	Parse string `json:"parse,omitempty"`
	// RootPath selects where in a JSON response the records live.
	RootPath string `json:"rootPath,omitempty"`

	Auth         *AuthConfig       `json:"auth,omitempty"`
	Pagination   *PaginationConfig `json:"pagination,omitempty"`
	Placeholders []Placeholder     `json:"placeholders,omitempty"`
	Sequence     *SequenceConfig   `json:"sequence,omitempty"`
	GapFill      *GapFillConfig    `json:"gapFill,omitempty"`
}

// Placeholder is one template value injected into URL, headers, query and
// body. Date placeholders resolve macros like startOfMonth-1d.
type Placeholder struct {
	Name   string `json:"name"`
	Kind   string `json:"kind,omitempty"` // static (default) or date
	Value  string `json:"value"`
	Format string `json:"format,omitempty"`
}

// AuthConfig selects one of the supported auth flows.
type AuthConfig struct {
	Type string `json:"type"` // none, bearer, apiKey, basic, oauth2

	Token string `json:"token,omitempty"`

	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
	In    string `json:"in,omitempty"` // header (default) or query

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	TokenURL     string `json:"tokenUrl,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Scopes       string `json:"scopes,omitempty"`
}

// PaginationConfig drives repeated fetches.
type PaginationConfig struct {
	Type string `json:"type"` // none, page, cursor

	PageParam     string `json:"pageParam,omitempty"`
	PageSizeParam string `json:"pageSizeParam,omitempty"`
	PageSize      int    `json:"pageSize,omitempty"`
	PageStart     int    `json:"pageStart,omitempty"`
	MaxPages      int    `json:"maxPages,omitempty"`

	CursorParam    string `json:"cursorParam,omitempty"`
	NextCursorPath string `json:"nextCursorPath,omitempty"`
}

// SequenceConfig enables windowed incremental fetches keyed on a date
// column of the destination.
type SequenceConfig struct {
	DateField  string `json:"dateField"`
	WindowDays int    `json:"windowDays,omitempty"`
}

// GapFillConfig enables the <table>_filled post-step that forward-fills
// missing days per key group.
type GapFillConfig struct {
	Enabled    bool     `json:"enabled,omitempty"`
	KeyColumns []string `json:"keyColumns"`
	DateColumn string   `json:"dateColumn"`
}

// ParseConfig decodes the api options blob.
func ParseConfig(raw []byte) (*Config, error) {
	if len(raw) == 0 {
		return nil, apperr.New(apperr.BadRequest, "api datasource has no api configuration")
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, apperr.Wrap(err, apperr.BadRequest, "malformed api configuration")
	}
	if cfg.URL == "" {
		return nil, apperr.New(apperr.BadRequest, "api configuration requires a url")
	}
	return cfg, nil
}

// Callbacks mirrors the sync engine's cooperative progress contract:
// synchronous calls from the fetch/insert loop, abort polled between
// pages and before the insert. Nil members are skipped.
type Callbacks struct {
	OnProgress  func(current, total int64)
	OnPhase     func(phase string)
	ShouldAbort func() bool
}

func (cb Callbacks) progress(current, total int64) {
	if cb.OnProgress != nil {
		cb.OnProgress(current, total)
	}
}

func (cb Callbacks) phase(p string) {
	if cb.OnPhase != nil {
		cb.OnPhase(p)
	}
}

func (cb Callbacks) aborted() bool {
	return cb.ShouldAbort != nil && cb.ShouldAbort()
}

// DB is the destination handle, satisfied by *sql.DB.
type DB interface {
	database.Querier
	database.Execer
}

// Job is one ingest invocation.
type Job struct {
	Config    *Config
	Dest      DB
	DestTable string
	// LastDate is the high-water date of the last successful sequenced
	// run (YYYY-MM-DD). Empty falls back to the destination's max date,
	// so a failed run that left partial rows behind does not advance
	// the next window past them.
	LastDate string
	// Client overrides the HTTP client; nil uses a 60s-timeout default.
	Client *http.Client
	// Now fixes the clock for date macros and windows; zero means now.
	Now time.Time
}

// Window is the [Start, End] date range a sequenced run covered.
type Window struct {
	Start time.Time
	End   time.Time
}

// Result reports what a run did.
type Result struct {
	RowCount int64
	Aborted  bool
	Window   *Window
}
