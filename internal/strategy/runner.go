package strategy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// StderrFunc is called for every line the command writes to stderr.
type StderrFunc func(ctx context.Context, line string)

// Command is a program executed by a strategy.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Run executes the command and waits for it. stdin may be nil. Environment
// of the current process is inherited and extended by proto.Env. The
// command is killed when ctx is canceled or the timeout passes.
func Run(ctx context.Context, proto Command, stdin io.Reader, stderrFunc StderrFunc) Result {
	res := Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	if proto.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, res.Path, res.Args...)
	cmd.Env = append(os.Environ(), proto.Env...)
	cmd.Stdin = stdin
	cmd.WaitDelay = time.Second
	var buf bytes.Buffer
	res.Stdout = &buf
	cmd.Stdout = &buf

	var stderrDone chan struct{}
	var stderrW *io.PipeWriter
	if stderrFunc != nil {
		var stderrR *io.PipeReader
		stderrR, stderrW = io.Pipe()
		cmd.Stderr = stderrW
		stderrDone = make(chan struct{})
		go func() {
			defer close(stderrDone)
			processStderr(ctx, stderrR, stderrFunc)
		}()
	}

	res.Started = time.Now().UTC()
	err := cmd.Start()
	if err == nil {
		err = cmd.Wait()
	}
	res.Stopped = time.Now().UTC()
	res.State = cmd.ProcessState
	res.Err = err

	if stderrW != nil {
		_ = stderrW.Close()
		<-stderrDone
	}
	return res
}

func processStderr(ctx context.Context, stderr io.ReadCloser, stderrFunc StderrFunc) {
	defer stderr.Close()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
		// unblock the writer
		_, _ = io.Copy(io.Discard, stderr)
	}
}
