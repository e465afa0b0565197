package dedupe_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/CZERTAINLY/scanjobs/internal/dedupe"
	"github.com/CZERTAINLY/scanjobs/internal/model"
	"github.com/stretchr/testify/require"
)

func TestRows(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    []model.Row
		then     []model.Row
	}{
		{
			scenario: "nil",
			given:    nil,
			then:     nil,
		},
		{
			scenario: "alias field and different date formatting",
			given: []model.Row{
				{"symbol": "AAPL", "date": "2024-01-02"},
				{"ticker": "AAPL", "date": "2024-01-02T00:00:00"},
			},
			then: []model.Row{
				{"symbol": "AAPL", "date": "2024-01-02"},
			},
		},
		{
			scenario: "first occurrence wins and order is kept",
			given: []model.Row{
				{"symbol": "MSFT", "date": "2024-01-03", "score": 1},
				{"symbol": "AAPL", "date": "2024-01-02", "score": 2},
				{"symbol": "MSFT", "datetime": "2024-01-03 16:00:00", "score": 3},
				{"symbol": "AAPL", "date": "2024-01-03", "score": 4},
			},
			then: []model.Row{
				{"symbol": "MSFT", "date": "2024-01-03", "score": 1},
				{"symbol": "AAPL", "date": "2024-01-02", "score": 2},
				{"symbol": "AAPL", "date": "2024-01-03", "score": 4},
			},
		},
		{
			scenario: "rows without symbol pass through",
			given: []model.Row{
				{"name": "broken", "date": "2024-01-02"},
				{"name": "broken", "date": "2024-01-02"},
				{"symbol": "", "date": "2024-01-02"},
			},
			then: []model.Row{
				{"name": "broken", "date": "2024-01-02"},
				{"name": "broken", "date": "2024-01-02"},
				{"symbol": "", "date": "2024-01-02"},
			},
		},
		{
			scenario: "time values and unix seconds",
			given: []model.Row{
				{"symbol": "IBM", "date": time.Date(2024, 1, 2, 15, 30, 0, 0, time.UTC)},
				{"symbol": "IBM", "date": float64(1704153600)},
				{"symbol": "IBM", "date": "20240102"},
			},
			then: []model.Row{
				{"symbol": "IBM", "date": time.Date(2024, 1, 2, 15, 30, 0, 0, time.UTC)},
			},
		},
		{
			scenario: "missing date dedupes by symbol",
			given: []model.Row{
				{"symbol": "TSLA"},
				{"ticker": "TSLA"},
			},
			then: []model.Row{
				{"symbol": "TSLA"},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			got := dedupe.Rows(tc.given)
			require.Equal(t, tc.then, got)
			require.Equal(t, got, dedupe.Rows(got), "dedupe must be idempotent")
		})
	}
}

func TestRowsDoesNotModifyInput(t *testing.T) {
	t.Parallel()
	given := []model.Row{
		{"symbol": "AAPL", "date": "2024-01-02"},
		{"symbol": "AAPL", "date": "2024-01-02"},
	}
	_ = dedupe.Rows(given)
	require.Len(t, given, 2)
	require.Equal(t, "AAPL", given[1]["symbol"])
}

func TestNormalizeDate(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given any
		then  string
	}{
		{nil, ""},
		{"2024-01-02", "2024-01-02"},
		{"2024-01-02T00:00:00", "2024-01-02"},
		{"2024-01-02T10:00:00Z", "2024-01-02"},
		{"2024-01-02T10:00:00.123456+02:00", "2024-01-02"},
		{"2024-01-02 23:59:59", "2024-01-02"},
		{" 20240102 ", "2024-01-02"},
		{int64(1704153600), "2024-01-02"},
		{1704153600000, "2024-01-02"},
		{"1704153600", "2024-01-02"},
		{json.Number("20240102"), "2024-01-02"},
		{20240103, "2024-01-03"},
		{float64(20240104), "2024-01-04"},
		{json.Number("20241399"), "1970-08-23"},
		{"yesterday", "yesterday"},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.then, dedupe.NormalizeDate(tc.given), "%v", tc.given)
	}
}

func TestRowsNumericCompactDates(t *testing.T) {
	t.Parallel()
	given := []model.Row{
		{"symbol": "AAPL", "date": json.Number("20240102")},
		{"symbol": "AAPL", "date": json.Number("20240103")},
		{"symbol": "AAPL", "date": "20240102"},
		{"ticker": "AAPL", "date": "2024-01-03"},
	}
	require.Equal(t, given[:2], dedupe.Rows(given))
}
