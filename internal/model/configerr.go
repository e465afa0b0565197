package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigErrorDetail is a human friendly form of a single config validation
// problem.
type ConfigErrorDetail struct {
	Path    string // gc.ttl
	Code    string // missing_required | unknown_field | conflicting_values | type_mismatch | validation_error
	Message string
	File    string
	Line    int
	Column  int
}

func (c ConfigErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.File),
		slog.Int("line", c.Line),
		slog.Int("column", c.Column),
	)
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|invalid value`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*|mismatched types`)
)

// ConfigErrDetails splits an error returned by LoadConfig into details,
// one per config position. Errors not coming from CUE are returned as a
// single validation_error.
func ConfigErrDetails(err error) []ConfigErrorDetail {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return []ConfigErrorDetail{{Code: "validation_error", Message: err.Error()}}
	}

	type pos struct {
		file      string
		line, col int
	}
	seen := make(map[pos]struct{})
	var out []ConfigErrorDetail
	for _, e := range errs {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		d := ConfigErrorDetail{Path: path}
		d.Code, d.Message = classify(raw, path)
		for _, p := range cueerrors.Positions(e) {
			if p.Filename() == "" {
				continue
			}
			d.File, d.Line, d.Column = p.Filename(), p.Line(), p.Column()
			break
		}
		key := pos{d.File, d.Line, d.Column}
		if _, ok := seen[key]; ok && d.File != "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}

func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	name := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		name = path[i+1:]
	}
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("field %s is not allowed", name)
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("field %s is required", name)
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("field %s has wrong type: %s", name, raw)
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("field %s has invalid value: %s", name, raw)
	default:
		return "validation_error", raw
	}
}
