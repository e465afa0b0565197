package strategy

import (
	"fmt"

	"github.com/CZERTAINLY/scanjobs/internal/model"
	"github.com/CZERTAINLY/scanjobs/internal/router"
)

// CommandOf converts a configured command.
func CommandOf(c model.Command) (Command, error) {
	timeout, err := c.TimeoutDuration()
	if err != nil {
		return Command{}, fmt.Errorf("%s timeout: %w", c.Path, err)
	}
	return Command{
		Path:    c.Path,
		Args:    append([]string(nil), c.Args...),
		Env:     c.Environ(),
		Timeout: timeout,
	}, nil
}

// FromConfig builds the strategies for the default dispatch table. A kind
// whose commands are not configured is left out.
func FromConfig(cfg model.Strategies) (router.Strategies, error) {
	var ret router.Strategies
	var err error
	if ret.RobustTimeout, err = cfg.RobustTimeoutDuration(); err != nil {
		return ret, fmt.Errorf("strategies.robust_timeout: %w", err)
	}

	if cfg.Builtin != nil {
		cmd, err := CommandOf(*cfg.Builtin)
		if err != nil {
			return ret, fmt.Errorf("strategies.builtin: %w", err)
		}
		ret.Builtin = Builtin(cmd)
	}
	if cfg.Interpreter != nil {
		cmd, err := CommandOf(*cfg.Interpreter)
		if err != nil {
			return ret, fmt.Errorf("strategies.interpreter: %w", err)
		}
		ret.Robust = Robust(cmd)
		ret.Direct = Direct(cmd)
	}
	if cfg.Universe != nil && cfg.Match != nil {
		universe, err := CommandOf(*cfg.Universe)
		if err != nil {
			return ret, fmt.Errorf("strategies.universe: %w", err)
		}
		match, err := CommandOf(*cfg.Match)
		if err != nil {
			return ret, fmt.Errorf("strategies.match: %w", err)
		}
		ret.TwoStage = &TwoStage{
			Universe:    NewExec("universe", universe, nil),
			Match:       NewExec("match", match, nil),
			Parallelism: cfg.ParallelismOrDefault(),
		}
	}
	return ret, nil
}
