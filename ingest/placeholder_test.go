package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetql/facetql/apperr"
)

// 2025-03-15 is a Saturday, mid-month, mid-quarter.
var frozenNow = time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)

func TestResolveDateMacros(t *testing.T) {
	cases := map[string]string{
		"today":           "2025-03-15",
		"yesterday":       "2025-03-14",
		"startOfDay":      "2025-03-15",
		"startOfWeek":     "2025-03-10",
		"startOfMonth":    "2025-03-01",
		"startOfQuarter":  "2025-01-01",
		"startOfYear":     "2025-01-01",
		"endOfMonth":      "2025-03-31",
		"endOfYear":       "2025-12-31",
		"today-7d":        "2025-03-08",
		"today+1d":        "2025-03-16",
		"startOfWeek-1w":  "2025-03-03",
		"startOfMonth-1m": "2025-02-01",
		"startOfYear-1y":  "2024-01-01",
	}
	for macro, want := range cases {
		vals, err := ResolvePlaceholders(frozenNow, []Placeholder{
			{Name: "d", Kind: "date", Value: macro},
		})
		require.NoError(t, err, macro)
		assert.Equal(t, want, vals["d"], macro)
	}
}

func TestResolveDateFormats(t *testing.T) {
	cases := []struct {
		value, format, want string
	}{
		{"today", "", "2025-03-15"},
		{"today", "YYYY/MM/DD", "2025/03/15"},
		{"today", "YYYYMMDD", "20250315"},
		{"endOfDay", "YYYY-MM-DD HH:mm:ss", "2025-03-15 23:59:59"},
		{"today", "%d.%m.%y", "15.03.25"},
	}
	for _, tc := range cases {
		vals, err := ResolvePlaceholders(frozenNow, []Placeholder{
			{Name: "d", Kind: "date", Value: tc.value, Format: tc.format},
		})
		require.NoError(t, err)
		assert.Equal(t, tc.want, vals["d"], tc.format)
	}
}

func TestResolveStaticExpandsSecrets(t *testing.T) {
	t.Setenv("FACETQL_TEST_TOKEN", "s3cr3t")
	vals, err := ResolvePlaceholders(frozenNow, []Placeholder{
		{Name: "auth", Value: "Bearer {{secret:FACETQL_TEST_TOKEN}}"},
		{Name: "plain", Kind: "static", Value: "fixed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cr3t", vals["auth"])
	assert.Equal(t, "fixed", vals["plain"])
}

func TestResolveErrors(t *testing.T) {
	_, err := ResolvePlaceholders(frozenNow, []Placeholder{{Value: "x"}})
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	_, err = ResolvePlaceholders(frozenNow, []Placeholder{{Name: "d", Kind: "interval", Value: "today"}})
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	_, err = ResolvePlaceholders(frozenNow, []Placeholder{{Name: "d", Kind: "date", Value: "fortnight"}})
	assert.True(t, apperr.Is(err, apperr.BadRequest))
}

func TestExpandTemplate(t *testing.T) {
	vals := map[string]string{"start": "2025-03-04", "end": "2025-03-10"}
	got := ExpandTemplate("/daily?from={{start}}&to={{end}}&keep={{unknown}}", vals)
	assert.Equal(t, "/daily?from=2025-03-04&to=2025-03-10&keep={{unknown}}", got)
}
