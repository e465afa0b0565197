package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/CZERTAINLY/scanjobs/internal/dedupe"
	"github.com/CZERTAINLY/scanjobs/internal/model"
	"github.com/CZERTAINLY/scanjobs/internal/parallel"
	"github.com/CZERTAINLY/scanjobs/internal/router"
)

var ErrNoCandidates = errors.New("every candidate failed")

// TwoStage runs Universe over the first window to find candidate symbols
// and Match for every candidate over the second window. Stage one reports
// progress 0-50, stage two 50-100.
type TwoStage struct {
	Universe    router.Strategy
	Match       router.Strategy
	Parallelism int
}

func (s *TwoStage) Run(ctx context.Context, cfg model.ScanConfig, sink model.ProgressSink) ([]model.Row, error) {
	if sink == nil {
		sink = model.Discard
	}
	if cfg.Stage1 == nil || cfg.Stage2 == nil {
		return nil, fmt.Errorf("%w: two_stage requires stage1 and stage2", model.ErrInvalidConfig)
	}

	stage1 := cfg.Clone()
	stage1.StartDate, stage1.EndDate = cfg.Stage1.Start, cfg.Stage1.End
	half := model.ProgressFunc(func(percent int, message string) {
		sink.Report(min(max(percent, 0), 100)/2, message)
	})
	universe, err := s.Universe.Run(ctx, stage1, half)
	if err != nil {
		return nil, fmt.Errorf("stage1: %w", err)
	}

	candidates := Candidates(universe, cfg.Symbols)
	sink.Report(50, fmt.Sprintf("stage1 found %d candidates", len(candidates)))
	if len(candidates) == 0 {
		return []model.Row{}, nil
	}

	match := func(ctx context.Context, symbol string) ([]model.Row, error) {
		c := cfg.Clone()
		c.StartDate, c.EndDate = cfg.Stage2.Start, cfg.Stage2.End
		c.Symbols = []string{symbol}
		return s.Match.Run(ctx, c, model.Discard)
	}

	perSymbol := make([][]model.Row, len(candidates))
	var errs []error
	done := 0
	for res := range parallel.NewMap(ctx, s.Parallelism, match).Iter(slices.Values(candidates)) {
		done++
		if res.Err != nil {
			slog.WarnContext(ctx, "stage2 candidate failed", "symbol", candidates[res.Index], "error", res.Err)
			errs = append(errs, fmt.Errorf("%s: %w", candidates[res.Index], res.Err))
		} else {
			perSymbol[res.Index] = res.Value
		}
		sink.Report(50+50*done/len(candidates), fmt.Sprintf("stage2 matched %d/%d", done, len(candidates)))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(errs) == len(candidates) {
		return nil, fmt.Errorf("stage2: %w: %w", ErrNoCandidates, errors.Join(errs...))
	}
	return slices.Concat(perSymbol...), nil
}

// Candidates returns distinct symbols of rows in order of appearance. When
// allow is not empty only symbols it contains are returned.
func Candidates(rows []model.Row, allow []string) []string {
	seen := make(map[string]struct{}, len(rows))
	var out []string
	for _, row := range rows {
		sym, ok := dedupe.Symbol(row)
		if !ok {
			continue
		}
		if len(allow) > 0 && !slices.Contains(allow, sym) {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}
