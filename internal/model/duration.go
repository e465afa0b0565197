package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseCron parses a standard 5 field cron expression or a @macro.
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.New("empty cron expression")
	}
	if strings.HasPrefix(e, "@") {
		return cron.ParseStandard(e)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(e)
}

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

// ParseISODuration parses the day-time subset of ISO8601 durations,
// e.g. P1D, PT5M, PT1H30M, PT0.5S. Years, months and weeks are rejected as
// they have no fixed length.
func ParseISODuration(s string) (time.Duration, error) {
	if s == "" || s == "P" || strings.HasSuffix(s, "T") {
		return 0, ErrISOFormat
	}
	m := isoDurationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, ErrISOFormat
	}
	units := [...]time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, part := range m[1:] {
		if part == "" {
			continue
		}
		add, err := scale(part, units[i])
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrISOFormat, s, err)
		}
		if total > math.MaxInt64-add {
			return 0, fmt.Errorf("%w: %s: overflow", ErrISOFormat, s)
		}
		total += add
	}
	return total, nil
}

func scale(part string, unit time.Duration) (time.Duration, error) {
	whole, frac, _ := strings.Cut(strings.Replace(part, ",", ".", 1), ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	if n > int64(math.MaxInt64/unit) {
		return 0, errors.New("overflow")
	}
	d := time.Duration(n) * unit
	if frac != "" {
		f, err := strconv.ParseFloat("0."+frac, 64)
		if err != nil {
			return 0, err
		}
		d += time.Duration(f * float64(unit))
	}
	return d, nil
}

// durationOr parses an optional ISO duration, empty value means def.
func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return ParseISODuration(s)
}
