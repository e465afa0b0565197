package router

import (
	"time"

	"github.com/CZERTAINLY/scanjobs/internal/model"
)

// Strategies are the implementations the default dispatch table is built
// from. Nil strategies are left out of the table.
type Strategies struct {
	Builtin       Strategy
	Robust        Strategy
	Direct        Strategy
	TwoStage      Strategy
	RobustTimeout time.Duration
}

// DefaultTable returns the dispatch table:
//
//	builtin   -> builtin                          error on failure
//	two_stage -> two_stage                        error on failure
//	direct    -> direct                           error marker row
//	robust    -> robust (bounded) -> direct       error marker row
//
// The robust step falls back to direct on both timeout and failure.
func DefaultTable(s Strategies) map[model.StrategyKind]Chain {
	table := make(map[model.StrategyKind]Chain, 4)
	if s.Builtin != nil {
		table[model.StrategyBuiltin] = Chain{
			Steps:    []Step{{Name: string(model.StrategyBuiltin), Strategy: s.Builtin}},
			Terminal: TerminalFail,
		}
	}
	if s.TwoStage != nil {
		table[model.StrategyTwoStage] = Chain{
			Steps:    []Step{{Name: string(model.StrategyTwoStage), Strategy: s.TwoStage}},
			Terminal: TerminalFail,
		}
	}
	var direct []Step
	if s.Direct != nil {
		direct = []Step{{Name: string(model.StrategyDirect), Strategy: s.Direct}}
		table[model.StrategyDirect] = Chain{Steps: direct, Terminal: TerminalMarker}
	}
	if s.Robust != nil {
		steps := []Step{{
			Name:       string(model.StrategyRobust),
			Strategy:   s.Robust,
			Timeout:    s.RobustTimeout,
			FallbackOn: OnAny,
		}}
		steps = append(steps, direct...)
		table[model.StrategyRobust] = Chain{Steps: steps, Terminal: TerminalMarker}
	}
	return table
}
