package model

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"
)

// DateLayout is the calendar date format used in scan configs and results.
const DateLayout = "2006-01-02"

// StrategyKind selects how a job is executed.
type StrategyKind string

const (
	StrategyBuiltin  StrategyKind = "builtin"
	StrategyRobust   StrategyKind = "robust"
	StrategyDirect   StrategyKind = "direct"
	StrategyTwoStage StrategyKind = "two_stage"
)

var strategyKinds = []StrategyKind{StrategyBuiltin, StrategyRobust, StrategyDirect, StrategyTwoStage}

func (k StrategyKind) Valid() bool {
	return slices.Contains(strategyKinds, k)
}

// Uploaded reports whether the strategy executes user supplied source.
func (k StrategyKind) Uploaded() bool {
	return k == StrategyRobust || k == StrategyDirect
}

// Window is a closed date range.
type Window struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

func (w Window) validate(name string) error {
	start, err := time.Parse(DateLayout, w.Start)
	if err != nil {
		return fmt.Errorf("%s.start: %w", name, err)
	}
	end, err := time.Parse(DateLayout, w.End)
	if err != nil {
		return fmt.Errorf("%s.end: %w", name, err)
	}
	if end.Before(start) {
		return fmt.Errorf("%s: end %s is before start %s", name, w.End, w.Start)
	}
	return nil
}

// ScanConfig is the caller's request. The registry stores a copy and never
// changes it afterwards.
type ScanConfig struct {
	StartDate string         `json:"start_date" yaml:"start_date"`
	EndDate   string         `json:"end_date" yaml:"end_date"`
	Strategy  StrategyKind   `json:"strategy" yaml:"strategy"`
	Source    string         `json:"source,omitempty" yaml:"source,omitempty"`
	Symbols   []string       `json:"symbols,omitempty" yaml:"symbols,omitempty"`
	Stage1    *Window        `json:"stage1,omitempty" yaml:"stage1,omitempty"`
	Stage2    *Window        `json:"stage2,omitempty" yaml:"stage2,omitempty"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Validate checks the config, all problems are reported at once and wrap
// ErrInvalidConfig.
func (c ScanConfig) Validate() error {
	var errs []error
	if err := (Window{Start: c.StartDate, End: c.EndDate}).validate("date range"); err != nil {
		errs = append(errs, err)
	}
	switch {
	case c.Strategy == "":
		errs = append(errs, errors.New("strategy is empty"))
	case !c.Strategy.Valid():
		errs = append(errs, fmt.Errorf("strategy %q: %w", c.Strategy, ErrUnknownStrategy))
	}
	if c.Strategy.Uploaded() && c.Source == "" {
		errs = append(errs, fmt.Errorf("strategy %s requires source", c.Strategy))
	}
	if c.Strategy == StrategyTwoStage {
		if c.Stage1 == nil || c.Stage2 == nil {
			errs = append(errs, errors.New("two_stage requires stage1 and stage2 windows"))
		} else {
			if err := c.Stage1.validate("stage1"); err != nil {
				errs = append(errs, err)
			}
			if err := c.Stage2.validate("stage2"); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (c ScanConfig) Clone() ScanConfig {
	out := c
	out.Symbols = slices.Clone(c.Symbols)
	if c.Stage1 != nil {
		w := *c.Stage1
		out.Stage1 = &w
	}
	if c.Stage2 != nil {
		w := *c.Stage2
		out.Stage2 = &w
	}
	out.Params = maps.Clone(c.Params)
	return out
}

// LogValue keeps uploaded source out of the logs.
func (c ScanConfig) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("strategy", string(c.Strategy)),
		slog.String("start_date", c.StartDate),
		slog.String("end_date", c.EndDate),
		slog.Int("symbols", len(c.Symbols)),
		slog.Int("source_bytes", len(c.Source)),
	}
	if len(c.Params) > 0 {
		attrs = append(attrs, slog.Any("params", sortedKeys(c.Params)))
	}
	return slog.GroupValue(attrs...)
}
