package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/database"
)

func openDest(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func countDest(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM `+database.QuoteDest(table)).Scan(&n))
	return n
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"url":"https://api.example.com/items","pagination":{"type":"page","pageSize":100}}`))
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/items", cfg.URL)
	assert.Equal(t, 100, cfg.Pagination.PageSize)

	_, err = ParseConfig(nil)
	assert.True(t, apperr.Is(err, apperr.BadRequest))
	_, err = ParseConfig([]byte(`{"url":`))
	assert.True(t, apperr.Is(err, apperr.BadRequest))
	_, err = ParseConfig([]byte(`{"method":"GET"}`))
	assert.True(t, apperr.Is(err, apperr.BadRequest))
}

func TestRunLandsJSONRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(mustJSON([]map[string]any{
			{"id": 1, "status": "open"},
			{"id": 2, "status": "open"},
			{"id": 3, "status": "closed"},
		}))
	}))
	defer srv.Close()

	dst := openDest(t)
	var phases []string
	var lastCurrent, lastTotal int64
	res, err := Run(context.Background(), Job{
		Config:    &Config{URL: srv.URL},
		Dest:      dst,
		DestTable: "tickets",
	}, Callbacks{
		OnPhase:    func(p string) { phases = append(phases, p) },
		OnProgress: func(current, total int64) { lastCurrent, lastTotal = current, total },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowCount)
	assert.False(t, res.Aborted)
	assert.Nil(t, res.Window)

	assert.Equal(t, []string{PhaseFetch, PhaseInsert}, phases)
	assert.Equal(t, int64(3), lastCurrent)
	assert.Equal(t, int64(3), lastTotal)

	assert.Equal(t, 3, countDest(t, dst, "tickets"))
	cols, err := database.DestColumns(context.Background(), dst, "tickets")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "status"}, cols)
}

func TestRunPagePagination(t *testing.T) {
	var mu sync.Mutex
	var pages, limits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pages = append(pages, r.URL.Query().Get("page"))
		limits = append(limits, r.URL.Query().Get("limit"))
		mu.Unlock()

		var recs []map[string]any
		switch r.URL.Query().Get("page") {
		case "1", "2":
			for i := 0; i < 3; i++ {
				recs = append(recs, map[string]any{"id": i})
			}
		case "3":
			recs = append(recs, map[string]any{"id": 9})
		}
		w.Write(mustJSON(recs))
	}))
	defer srv.Close()

	dst := openDest(t)
	res, err := Run(context.Background(), Job{
		Config: &Config{
			URL: srv.URL,
			Pagination: &PaginationConfig{
				Type:          "page",
				PageSize:      3,
				PageSizeParam: "limit",
			},
		},
		Dest:      dst,
		DestTable: "items",
	}, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.RowCount)

	mu.Lock()
	defer mu.Unlock()
	// The short third page ends the walk.
	assert.Equal(t, []string{"1", "2", "3"}, pages)
	assert.Equal(t, []string{"3", "3", "3"}, limits)
	assert.Equal(t, 7, countDest(t, dst, "items"))
}

func TestRunCursorPagination(t *testing.T) {
	var mu sync.Mutex
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		mu.Lock()
		cursors = append(cursors, cursor)
		mu.Unlock()

		next := "abc"
		if cursor == "abc" {
			next = ""
		}
		w.Write(mustJSON(map[string]any{
			"items": []map[string]any{{"id": 1}, {"id": 2}},
			"next":  next,
		}))
	}))
	defer srv.Close()

	dst := openDest(t)
	res, err := Run(context.Background(), Job{
		Config: &Config{
			URL:      srv.URL,
			RootPath: "items",
			Pagination: &PaginationConfig{
				Type:           "cursor",
				NextCursorPath: "next",
			},
		},
		Dest:      dst,
		DestTable: "items",
	}, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.RowCount)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "abc"}, cursors)
}

func TestRunCursorRequiresPath(t *testing.T) {
	_, err := Run(context.Background(), Job{
		Config: &Config{
			URL:        "https://api.example.com/items",
			Pagination: &PaginationConfig{Type: "cursor"},
		},
		Dest:      openDest(t),
		DestTable: "items",
	}, Callbacks{})
	assert.True(t, apperr.Is(err, apperr.BadRequest))
}

func TestRunSequencedWindow(t *testing.T) {
	var mu sync.Mutex
	var from, to string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		from = r.URL.Query().Get("from")
		to = r.URL.Query().Get("to")
		mu.Unlock()

		recs := make([]map[string]any, 0, 7)
		for i := 4; i <= 10; i++ {
			recs = append(recs, map[string]any{"d": fmt.Sprintf("2025-03-%02d", i), "value": i - 3})
		}
		w.Write(mustJSON(recs))
	}))
	defer srv.Close()

	dst := openDest(t)
	_, err := dst.Exec(`CREATE TABLE "api_daily" ("d" VARCHAR, "value" BIGINT)`)
	require.NoError(t, err)
	// 2025-03-03 is covered by the watermark. The 2025-03-04 row is a
	// leftover from a failed run and must be replaced, not doubled.
	_, err = dst.Exec(`INSERT INTO "api_daily" VALUES ('2025-03-03', 10), ('2025-03-04', 999)`)
	require.NoError(t, err)

	res, err := Run(context.Background(), Job{
		Config: &Config{
			URL:   srv.URL,
			Query: map[string]string{"from": "{{start}}", "to": "{{end}}"},
			Sequence: &SequenceConfig{
				DateField:  "d",
				WindowDays: 7,
			},
		},
		Dest:      dst,
		DestTable: "api_daily",
		LastDate:  "2025-03-03",
		Now:       time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC),
	}, Callbacks{})
	require.NoError(t, err)

	require.NotNil(t, res.Window)
	assert.Equal(t, "2025-03-04", res.Window.Start.Format("2006-01-02"))
	assert.Equal(t, "2025-03-10", res.Window.End.Format("2006-01-02"))
	assert.Equal(t, int64(7), res.RowCount)

	mu.Lock()
	assert.Equal(t, "2025-03-04", from)
	assert.Equal(t, "2025-03-10", to)
	mu.Unlock()

	assert.Equal(t, 8, countDest(t, dst, "api_daily"))
	var v int64
	require.NoError(t, dst.QueryRow(`SELECT "value" FROM "api_daily" WHERE "d" = '2025-03-04'`).Scan(&v))
	assert.Equal(t, int64(1), v)
}

func TestRunSequencedUpToDate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	res, err := Run(context.Background(), Job{
		Config: &Config{
			URL:      srv.URL,
			Sequence: &SequenceConfig{DateField: "d"},
		},
		Dest:      openDest(t),
		DestTable: "api_daily",
		LastDate:  "2025-03-15",
		Now:       time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC),
	}, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RowCount)
	assert.Nil(t, res.Window)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRunSequencedFallsBackToDestMax(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	dst := openDest(t)
	_, err := dst.Exec(`CREATE TABLE "api_daily" ("d" VARCHAR, "value" BIGINT)`)
	require.NoError(t, err)
	_, err = dst.Exec(`INSERT INTO "api_daily" VALUES ('2025-03-15', 1)`)
	require.NoError(t, err)

	res, err := Run(context.Background(), Job{
		Config: &Config{
			URL:      srv.URL,
			Sequence: &SequenceConfig{DateField: "d"},
		},
		Dest:      dst,
		DestTable: "api_daily",
		Now:       time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC),
	}, Callbacks{})
	require.NoError(t, err)
	assert.Nil(t, res.Window)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRunSequencedBootstrapWindow(t *testing.T) {
	var mu sync.Mutex
	var from, to string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		from = r.URL.Query().Get("from")
		to = r.URL.Query().Get("to")
		mu.Unlock()
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	dst := openDest(t)
	res, err := Run(context.Background(), Job{
		Config: &Config{
			URL:   srv.URL,
			Query: map[string]string{"from": "{{start}}", "to": "{{end}}"},
			Sequence: &SequenceConfig{
				DateField:  "d",
				WindowDays: 3,
			},
		},
		Dest:      dst,
		DestTable: "api_daily",
		Now:       time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC),
	}, Callbacks{})
	require.NoError(t, err)

	// An empty destination looks back windowDays ending today.
	require.NotNil(t, res.Window)
	assert.Equal(t, "2025-03-13", res.Window.Start.Format("2006-01-02"))
	assert.Equal(t, "2025-03-15", res.Window.End.Format("2006-01-02"))
	assert.Equal(t, int64(0), res.RowCount)

	mu.Lock()
	assert.Equal(t, "2025-03-13", from)
	assert.Equal(t, "2025-03-15", to)
	mu.Unlock()

	// Nothing came back, so no table was created.
	assert.False(t, database.DestTableExists(context.Background(), dst, "api_daily"))
}

func TestRunAbortBeforeInsertLeavesDestUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	dst := openDest(t)
	res, err := Run(context.Background(), Job{
		Config:    &Config{URL: srv.URL},
		Dest:      dst,
		DestTable: "items",
	}, Callbacks{ShouldAbort: func() bool { return true }})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, int64(0), res.RowCount)
	assert.False(t, database.DestTableExists(context.Background(), dst, "items"))
}

func TestRunAbortBetweenPages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`[{"id":1},{"id":2}]`))
	}))
	defer srv.Close()

	polls := 0
	dst := openDest(t)
	res, err := Run(context.Background(), Job{
		Config: &Config{
			URL:        srv.URL,
			Pagination: &PaginationConfig{Type: "page"},
		},
		Dest:      dst,
		DestTable: "items",
	}, Callbacks{ShouldAbort: func() bool {
		polls++
		return polls > 1
	}})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, database.DestTableExists(context.Background(), dst, "items"))
}

func TestRunBearerAuthFromSecret(t *testing.T) {
	t.Setenv("INGEST_TEST_TOKEN", "tok123")
	var mu sync.Mutex
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	_, err := Run(context.Background(), Job{
		Config: &Config{
			URL:  srv.URL,
			Auth: &AuthConfig{Type: "bearer", Token: "{{secret:INGEST_TEST_TOKEN}}"},
		},
		Dest:      openDest(t),
		DestTable: "items",
	}, Callbacks{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer tok123", auth)
}

func TestRunAPIKeyInQuery(t *testing.T) {
	var mu sync.Mutex
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		key = r.URL.Query().Get("api_key")
		mu.Unlock()
		w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	_, err := Run(context.Background(), Job{
		Config: &Config{
			URL:  srv.URL,
			Auth: &AuthConfig{Type: "apiKey", Key: "api_key", Value: "k9", In: "query"},
		},
		Dest:      openDest(t),
		DestTable: "items",
	}, Callbacks{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "k9", key)
}

func TestRunOAuth2ClientCredentials(t *testing.T) {
	var mu sync.Mutex
	tokenCalls, dataCalls := 0, 0
	var grant, auth string

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		tokenCalls++
		grant = r.PostForm.Get("grant_type")
		mu.Unlock()
		w.Write([]byte(`{"access_token":"tkn","token_type":"Bearer"}`))
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dataCalls++
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		if r.URL.Query().Get("page") == "1" {
			w.Write([]byte(`[{"id":1},{"id":2}]`))
			return
		}
		w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := Run(context.Background(), Job{
		Config: &Config{
			URL: srv.URL + "/data",
			Auth: &AuthConfig{
				Type:         "oauth2",
				TokenURL:     srv.URL + "/token",
				ClientID:     "cid",
				ClientSecret: "shh",
			},
			Pagination: &PaginationConfig{Type: "page"},
		},
		Dest:      openDest(t),
		DestTable: "items",
	}, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowCount)

	mu.Lock()
	defer mu.Unlock()
	// The token is fetched once and reused across pages.
	assert.Equal(t, 1, tokenCalls)
	assert.Equal(t, 2, dataCalls)
	assert.Equal(t, "client_credentials", grant)
	assert.Equal(t, "Bearer tkn", auth)
}

func TestRunCSVResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte("name,id\nalpha,1\nbeta,2\n"))
	}))
	defer srv.Close()

	dst := openDest(t)
	res, err := Run(context.Background(), Job{
		Config:    &Config{URL: srv.URL},
		Dest:      dst,
		DestTable: "imported",
	}, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowCount)

	// CSV header order fixes the destination column order.
	cols, err := database.DestColumns(context.Background(), dst, "imported")
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "id"}, cols)
}

func TestRunUpstreamErrorKeepsSecretsOut(t *testing.T) {
	t.Setenv("INGEST_LEAKY", "sekrit")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Run(context.Background(), Job{
		Config: &Config{
			URL: srv.URL + "/export?key={{secret:INGEST_LEAKY}}",
		},
		Dest:      openDest(t),
		DestTable: "items",
	}, Callbacks{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.BadGateway))
	assert.Contains(t, err.Error(), "{{secret:INGEST_LEAKY}}")
	assert.NotContains(t, err.Error(), "sekrit")
}

func TestGapFillSQL(t *testing.T) {
	got := gapFillSQL("spend", []string{"campaign"}, "day", []string{"cost", "clicks"})
	want := `CREATE OR REPLACE TABLE "spend_filled" AS
WITH bounds AS (SELECT CAST(MIN("day") AS DATE) AS lo, CAST(MAX("day") AS DATE) AS hi FROM "spend"),
days AS (SELECT CAST(gs.d AS DATE) AS d FROM bounds, generate_series(bounds.lo, bounds.hi, INTERVAL 1 DAY) AS gs(d)),
spine AS (SELECT kg."campaign", days.d FROM (SELECT DISTINCT "campaign" FROM "spend") AS kg CROSS JOIN days)
SELECT spine."campaign", spine.d AS "day",
  last_value(src."cost" IGNORE NULLS) OVER (PARTITION BY spine."campaign" ORDER BY spine.d) AS "cost",
  last_value(src."clicks" IGNORE NULLS) OVER (PARTITION BY spine."campaign" ORDER BY spine.d) AS "clicks"
FROM spine LEFT JOIN "spend" AS src ON CAST(src."day" AS DATE) = spine.d AND src."campaign" = spine."campaign"`
	assert.Equal(t, want, got)
}
