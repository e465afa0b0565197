// Package dedupe removes duplicate result rows. Strategies only guarantee
// their own output, so every result set goes through Rows before it is
// stored, whatever produced it.
package dedupe

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/scanjobs/internal/model"
)

const (
	SymbolField = "symbol"
	SymbolAlias = "ticker"
	DateField   = "date"
	DateAlias   = "datetime"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	model.DateLayout,
	"20060102",
}

type key struct {
	symbol string
	date   string
}

// Rows returns rows without duplicates of the (symbol, date) key. The first
// occurrence wins and the order of surviving rows is kept. Rows without
// a symbol are passed through. The input slice is not modified.
func Rows(rows []model.Row) []model.Row {
	if rows == nil {
		return nil
	}
	seen := make(map[key]struct{}, len(rows))
	out := make([]model.Row, 0, len(rows))
	for _, row := range rows {
		k, ok := keyOf(row)
		if !ok {
			out = append(out, row)
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out
}

func keyOf(row model.Row) (key, bool) {
	symbol, ok := Symbol(row)
	if !ok {
		return key{}, false
	}
	return key{symbol: symbol, date: NormalizeDate(dateOf(row))}, true
}

// Symbol returns the trimmed symbol of a row, the alias field is used when
// the primary one is missing or empty.
func Symbol(row model.Row) (string, bool) {
	for _, f := range []string{SymbolField, SymbolAlias} {
		v, ok := row[f]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			return s, true
		}
	}
	return "", false
}

func dateOf(row model.Row) any {
	for _, f := range []string{DateField, DateAlias} {
		if v, ok := row[f]; ok && v != nil {
			return v
		}
	}
	return nil
}

// NormalizeDate converts a date representation to the 2006-01-02 form.
// Values which can't be parsed are compared verbatim, nil is "".
func NormalizeDate(v any) string {
	switch d := v.(type) {
	case nil:
		return ""
	case time.Time:
		return d.Format(model.DateLayout)
	case *time.Time:
		if d == nil {
			return ""
		}
		return d.Format(model.DateLayout)
	case string:
		return normalizeString(d)
	case json.Number:
		if f, err := d.Float64(); err == nil {
			return fromNumber(f)
		}
		return d.String()
	case int:
		return fromNumber(float64(d))
	case int64:
		return fromNumber(float64(d))
	case float64:
		return fromNumber(d)
	default:
		return normalizeString(fmt.Sprint(v))
	}
}

func normalizeString(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(model.DateLayout)
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !strings.ContainsAny(s, "eE") {
		return fromUnix(f)
	}
	return s
}

// fromNumber reads an eight digit integer as 20060102, anything else is
// a unix time.
func fromNumber(f float64) string {
	if f >= 1e7 && f < 1e8 && f == math.Trunc(f) {
		if t, err := time.Parse("20060102", strconv.FormatInt(int64(f), 10)); err == nil {
			return t.Format(model.DateLayout)
		}
	}
	return fromUnix(f)
}

// fromUnix treats numbers as unix seconds, values that large they must be
// milliseconds are scaled down.
func fromUnix(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if math.Abs(f) >= 1e12 {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC().Format(model.DateLayout)
}
