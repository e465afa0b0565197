// Package export delivers finished jobs outside of the process: into a
// directory, to an io.Writer or to a remote HTTP endpoint.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/CZERTAINLY/scanjobs/internal/model"
)

// Document is the exported form of a finished job.
type Document struct {
	ID            string             `json:"id"`
	Status        model.Status       `json:"status"`
	Strategy      model.StrategyKind `json:"strategy"`
	CreatedAt     time.Time          `json:"created_at"`
	FinishedAt    time.Time          `json:"finished_at"`
	ExecutionTime float64            `json:"execution_time"`
	Error         string             `json:"error,omitempty"`
	Results       []model.Row        `json:"results"`
}

func DocumentOf(job model.Job) Document {
	results := job.Results
	if results == nil {
		results = []model.Row{}
	}
	return Document{
		ID:            job.ID,
		Status:        job.Status,
		Strategy:      job.Config.Strategy,
		CreatedAt:     job.CreatedAt,
		FinishedAt:    job.LastProgressUpdate,
		ExecutionTime: job.ExecutionTime,
		Error:         job.Error,
		Results:       results,
	}
}

// Sinks builds the configured sinks. Nothing configured means no export.
func Sinks(cfg model.Export) ([]model.ResultSink, error) {
	var sinks []model.ResultSink
	if cfg.Dir != "" {
		d, err := NewDir(cfg.Dir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, d)
	}
	if cfg.URL != "" {
		h, err := NewHTTP(cfg.URL)
		if err != nil {
			_ = Close(sinks)
			return nil, err
		}
		sinks = append(sinks, h)
	}
	return sinks, nil
}

// Close closes every sink implementing io.Closer.
func Close(sinks []model.ResultSink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Writer prints every job as a JSON line.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) Writer {
	return Writer{w: w}
}

func (u Writer) Put(_ context.Context, job model.Job) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	return json.NewEncoder(u.w).Encode(DocumentOf(job))
}

// Dir stores every job into its own file in a directory. The files can't
// escape the directory.
type Dir struct {
	root *os.Root
}

func NewDir(path string) (*Dir, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &Dir{root: root}, nil
}

// FileName is a name of a file job is stored to.
func FileName(job model.Job) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, job.ID)
	return "scanjobs-" + job.CreatedAt.UTC().Format("2006-01-02-15-04-05") + "-" + id + ".json"
}

func (u *Dir) Put(ctx context.Context, job model.Job) error {
	if u.root == nil {
		return errors.New("root already closed")
	}
	b, err := json.Marshal(DocumentOf(job))
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	path := FileName(job)
	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating job file: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving job: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing job file: %w", err)
	}
	slog.InfoContext(ctx, "job exported", "path", path)
	return nil
}

func (u *Dir) Close() error {
	if u.root == nil {
		return errors.New("exporter already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
