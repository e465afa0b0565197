package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/scanjobs/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{"PT5M", 5 * time.Minute, false},
		{"PT1H30M", 90 * time.Minute, false},
		{"P1D", 24 * time.Hour, false},
		{"P1DT2H", 26 * time.Hour, false},
		{"PT0.5S", 500 * time.Millisecond, false},
		{"PT1,5S", 1500 * time.Millisecond, false},
		{"", 0, true},
		{"P", 0, true},
		{"PT", 0, true},
		{"P1DT", 0, true},
		{"P2M", 0, true},
		{"5m", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			d, err := model.ParseISODuration(tc.given)
			if tc.err {
				require.ErrorIs(t, err, model.ErrISOFormat)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		err      bool
	}{
		{"every 15 minutes", "*/15 * * * *", false},
		{"macro hourly", "@hourly", false},
		{"macro every", "@every 5m", false},
		{"six fields", "0 */2 * * * *", true},
		{"day out of range", "* * 32 * *", true},
		{"empty", "  ", true},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			s, err := model.ParseCron(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
			require.True(t, s.Next(now).After(now))
		})
	}
}
