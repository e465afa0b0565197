// Package strategy implements the execution strategies the router
// dispatches to. Most of them run an external program: the scan config
// is written as JSON to its stdin, a JSON array of result rows is
// expected on stdout and stderr lines
//
//	progress <percent> <message>
//
// are turned into progress reports. Other stderr lines are logged.
package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/CZERTAINLY/scanjobs/internal/model"
)

var (
	ErrNoSource  = errors.New("no source to execute")
	ErrBadOutput = errors.New("malformed command output")
)

// ModeEnv tells the executed program which strategy runs it.
const ModeEnv = "SCANJOBS_MODE"

// SourceFunc returns the program text which is written to a temporary file
// and passed to the command as its last argument.
type SourceFunc func(cfg model.ScanConfig) (string, error)

// Exec is a strategy running an external command.
type Exec struct {
	mode   string
	cmd    Command
	source SourceFunc
}

func NewExec(mode string, cmd Command, source SourceFunc) *Exec {
	return &Exec{mode: mode, cmd: cmd, source: source}
}

// Builtin runs the configured analyzer.
func Builtin(cmd Command) *Exec {
	return NewExec(string(model.StrategyBuiltin), cmd, nil)
}

// Robust runs normalized uploaded source by the interpreter.
func Robust(interpreter Command) *Exec {
	return NewExec(string(model.StrategyRobust), interpreter, func(cfg model.ScanConfig) (string, error) {
		if strings.TrimSpace(cfg.Source) == "" {
			return "", ErrNoSource
		}
		return Normalize(cfg.Source), nil
	})
}

// Direct runs uploaded source exactly as it was uploaded.
func Direct(interpreter Command) *Exec {
	return NewExec(string(model.StrategyDirect), interpreter, func(cfg model.ScanConfig) (string, error) {
		if cfg.Source == "" {
			return "", ErrNoSource
		}
		return cfg.Source, nil
	})
}

func (e *Exec) Run(ctx context.Context, cfg model.ScanConfig, sink model.ProgressSink) ([]model.Row, error) {
	if sink == nil {
		sink = model.Discard
	}
	stdin, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	cmd := e.cmd
	cmd.Args = append([]string(nil), e.cmd.Args...)
	cmd.Env = append(append([]string(nil), e.cmd.Env...), ModeEnv+"="+e.mode)
	if e.source != nil {
		src, err := e.source(cfg)
		if err != nil {
			return nil, err
		}
		dir, err := os.MkdirTemp("", "scanjobs-"+e.mode+"-")
		if err != nil {
			return nil, fmt.Errorf("creating temp dir: %w", err)
		}
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				slog.WarnContext(ctx, "removing temp dir", "path", dir, "error", err)
			}
		}()
		path := filepath.Join(dir, "source")
		if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
			return nil, fmt.Errorf("writing source: %w", err)
		}
		cmd.Args = append(cmd.Args, path)
	}

	var stderr lastLine
	handle := func(ctx context.Context, line string) {
		if percent, msg, ok := parseProgress(line); ok {
			sink.Report(percent, msg)
			return
		}
		stderr.set(line)
		slog.DebugContext(ctx, "stderr", "mode", e.mode, "line", line)
	}

	res := Run(ctx, cmd, bytes.NewReader(stdin), handle)
	if res.Err != nil {
		if last := stderr.get(); last != "" {
			return nil, fmt.Errorf("%s: %w: %s", e.mode, res.Err, last)
		}
		return nil, fmt.Errorf("%s: %w", e.mode, res.Err)
	}
	return ParseRows(res.Stdout.Bytes())
}

// ParseRows decodes a JSON array of objects. Blank output is an empty
// result. Numbers are kept as json.Number.
func ParseRows(out []byte) ([]model.Row, error) {
	if len(bytes.TrimSpace(out)) == 0 {
		return []model.Row{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	var rows []model.Row
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadOutput, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after result array", ErrBadOutput)
	}
	if rows == nil {
		rows = []model.Row{}
	}
	return rows, nil
}

// parseProgress parses "progress <percent> <message>".
func parseProgress(line string) (int, string, bool) {
	rest, ok := strings.CutPrefix(line, "progress ")
	if !ok {
		return 0, "", false
	}
	num, msg, _ := strings.Cut(strings.TrimSpace(rest), " ")
	percent, err := strconv.Atoi(num)
	if err != nil {
		return 0, "", false
	}
	return percent, strings.TrimSpace(msg), true
}

// Normalize strips a byte order mark and converts line endings to \n.
func Normalize(src string) string {
	src = strings.TrimPrefix(src, "\uFEFF")
	src = strings.ReplaceAll(src, "\r\n", "\n")
	src = strings.ReplaceAll(src, "\r", "\n")
	if !strings.HasSuffix(src, "\n") {
		src += "\n"
	}
	return src
}

type lastLine struct {
	mx   sync.Mutex
	line string
}

func (l *lastLine) set(s string) {
	if strings.TrimSpace(s) == "" {
		return
	}
	l.mx.Lock()
	l.line = s
	l.mx.Unlock()
}

func (l *lastLine) get() string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.line
}
