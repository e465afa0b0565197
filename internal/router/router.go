// Package router selects and runs execution strategies of a job.
//
// The selection is an explicit dispatch table from model.StrategyKind to a
// Chain. A Chain is an ordered list of steps, each step declares its own
// timeout and the conditions under which the next step is tried. The
// router, not the strategy, enforces the timeout: a step which does not
// return in time is abandoned, its progress sink is closed and whatever it
// returns later is discarded. Thus at most one strategy reports progress
// for a job at any time.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/scanjobs/internal/log"
	"github.com/CZERTAINLY/scanjobs/internal/model"
)

var (
	ErrStepTimeout   = errors.New("strategy timed out")
	ErrStrategyPanic = errors.New("strategy panicked")
	ErrEmptyChain    = errors.New("chain has no steps")
	ErrNilStrategy   = errors.New("step has no strategy")
	ErrShuttingDown  = errors.New("execution canceled")
)

// Strategy produces result rows of a job.
type Strategy interface {
	Run(ctx context.Context, cfg model.ScanConfig, sink model.ProgressSink) ([]model.Row, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, cfg model.ScanConfig, sink model.ProgressSink) ([]model.Row, error)

func (f StrategyFunc) Run(ctx context.Context, cfg model.ScanConfig, sink model.ProgressSink) ([]model.Row, error) {
	return f(ctx, cfg, sink)
}

// Trigger says which failures of a step lead to the next step.
type Trigger uint8

const (
	OnTimeout Trigger = 1 << iota
	OnFailure
	OnAny = OnTimeout | OnFailure
)

func (t Trigger) matches(timedOut bool) bool {
	if timedOut {
		return t&OnTimeout != 0
	}
	return t&OnFailure != 0
}

func (t Trigger) String() string {
	var parts []string
	if t&OnTimeout != 0 {
		parts = append(parts, "timeout")
	}
	if t&OnFailure != 0 {
		parts = append(parts, "failure")
	}
	if len(parts) == 0 {
		return "never"
	}
	return strings.Join(parts, "|")
}

// TerminalPolicy decides what happens when the last tried step fails.
type TerminalPolicy int

const (
	// TerminalFail returns the error, the job ends in the error state.
	TerminalFail TerminalPolicy = iota
	// TerminalMarker returns a single error marker row instead of an error.
	TerminalMarker
)

type Step struct {
	Name       string
	Strategy   Strategy
	Timeout    time.Duration // zero means unbounded
	FallbackOn Trigger
}

type Chain struct {
	Steps    []Step
	Terminal TerminalPolicy
}

func (c Chain) validate() error {
	if len(c.Steps) == 0 {
		return ErrEmptyChain
	}
	for _, s := range c.Steps {
		if s.Strategy == nil {
			return fmt.Errorf("%s: %w", s.Name, ErrNilStrategy)
		}
	}
	return nil
}

type Router struct {
	table map[model.StrategyKind]Chain
}

// New validates the dispatch table.
func New(table map[model.StrategyKind]Chain) (*Router, error) {
	t := make(map[model.StrategyKind]Chain, len(table))
	for kind, chain := range table {
		if !kind.Valid() {
			return nil, fmt.Errorf("%q: %w", kind, model.ErrUnknownStrategy)
		}
		if err := chain.validate(); err != nil {
			return nil, fmt.Errorf("chain %s: %w", kind, err)
		}
		t[kind] = chain
	}
	return &Router{table: t}, nil
}

// Supports reports whether a chain is configured for kind.
func (r *Router) Supports(kind model.StrategyKind) bool {
	_, ok := r.table[kind]
	return ok
}

// Execute runs the chain selected by cfg.Strategy. Reports of the running
// step are forwarded to sink.
func (r *Router) Execute(ctx context.Context, jobID string, cfg model.ScanConfig, sink model.ProgressSink) ([]model.Row, error) {
	chain, ok := r.table[cfg.Strategy]
	if !ok {
		return nil, fmt.Errorf("%q: %w", cfg.Strategy, model.ErrUnknownStrategy)
	}
	if sink == nil {
		sink = model.Discard
	}
	ctx = log.WithJob(ctx, jobID)

	var errs []error
	lastName := ""
	for i, step := range chain.Steps {
		lastName = step.Name
		stepCtx := log.ContextAttrs(ctx, slog.String("strategy", step.Name))
		start := time.Now()
		slog.DebugContext(stepCtx, "strategy started", "timeout", step.Timeout)
		rows, err := runStep(stepCtx, step, cfg, sink)
		if err == nil {
			slog.DebugContext(stepCtx, "strategy finished", "rows", len(rows), "elapsed", time.Since(start))
			return rows, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrShuttingDown, errors.Join(errs...))
		}

		timedOut := errors.Is(err, ErrStepTimeout)
		if i == len(chain.Steps)-1 || !step.FallbackOn.matches(timedOut) {
			slog.WarnContext(stepCtx, "strategy failed", "error", err, "timed_out", timedOut)
			break
		}
		next := chain.Steps[i+1].Name
		slog.WarnContext(stepCtx, "strategy failed, falling back", "error", err, "timed_out", timedOut, "next", next)
	}

	err := errors.Join(errs...)
	if chain.Terminal == TerminalMarker {
		slog.ErrorContext(ctx, "all strategies failed, returning error marker", "error", err)
		return []model.Row{ErrorMarker(lastName, err)}, nil
	}
	return nil, err
}

type stepResult struct {
	rows []model.Row
	err  error
}

func runStep(ctx context.Context, step Step, cfg model.ScanConfig, sink model.ProgressSink) ([]model.Row, error) {
	stepCtx := ctx
	cancel := context.CancelFunc(func() {})
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	gate := &gatedSink{sink: sink}
	defer gate.close()

	done := make(chan stepResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- stepResult{err: fmt.Errorf("%w: %v", ErrStrategyPanic, p)}
			}
		}()
		rows, err := step.Strategy.Run(stepCtx, cfg.Clone(), gate)
		done <- stepResult{rows: rows, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && timedOut(ctx, stepCtx) {
			return nil, fmt.Errorf("%w after %s: %w", ErrStepTimeout, step.Timeout, res.err)
		}
		return res.rows, res.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrStepTimeout, step.Timeout)
	}
}

func timedOut(parent, step context.Context) bool {
	return parent.Err() == nil && errors.Is(step.Err(), context.DeadlineExceeded)
}

// gatedSink forwards reports until closed. close waits for a report in
// flight, so nothing reaches the sink after close returns.
type gatedSink struct {
	mx     sync.Mutex
	sink   model.ProgressSink
	closed bool
}

func (g *gatedSink) Report(percent int, message string) {
	g.mx.Lock()
	defer g.mx.Unlock()
	if g.closed {
		return
	}
	g.sink.Report(percent, message)
}

func (g *gatedSink) close() {
	g.mx.Lock()
	g.closed = true
	g.mx.Unlock()
}

const markerKey = "marker"

// ErrorMarker is the synthetic result row returned when every step of a
// TerminalMarker chain failed.
func ErrorMarker(strategy string, err error) model.Row {
	return model.Row{
		"error":    err.Error(),
		"strategy": strategy,
		markerKey:  true,
	}
}

// IsErrorMarker reports whether row was produced by ErrorMarker.
func IsErrorMarker(row model.Row) bool {
	v, ok := row[markerKey].(bool)
	return ok && v
}
