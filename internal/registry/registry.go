// Package registry owns all job records. It keeps two tiers, active and
// completed, and enforces the job status machine. Every mutation goes
// through the Registry methods, callers only ever see copies.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/scanjobs/internal/log"
	"github.com/CZERTAINLY/scanjobs/internal/model"

	"github.com/google/uuid"
)

type Registry struct {
	mx        sync.RWMutex
	active    map[string]*model.Job
	completed map[string]*model.Job
	now       func() time.Time
	newID     func() string
}

type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDs replaces the uuid generator.
func WithIDs(newID func() string) Option {
	return func(r *Registry) {
		if newID != nil {
			r.newID = newID
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		active:    make(map[string]*model.Job),
		completed: make(map[string]*model.Job),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create stores a new record in the initializing state.
func (r *Registry) Create(cfg model.ScanConfig) model.Job {
	now := r.now()
	job := &model.Job{
		Status:             model.StatusInitializing,
		Message:            "initializing",
		CreatedAt:          now,
		LastProgressUpdate: now,
		Config:             cfg.Clone(),
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	for {
		id := r.newID()
		if !r.existsLocked(id) {
			job.ID = id
			break
		}
	}
	r.active[job.ID] = job
	return job.Clone()
}

// Get returns a copy of a record, active tier is consulted first.
func (r *Registry) Get(id string) (model.Job, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if j, ok := r.active[id]; ok {
		return j.Clone(), nil
	}
	if j, ok := r.completed[id]; ok {
		return j.Clone(), nil
	}
	return model.Job{}, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
}

// MarkRunning moves the record to the running state without touching the
// progress.
func (r *Registry) MarkRunning(id, message string) (model.Job, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	j, err := r.movableLocked(id, model.StatusRunning)
	if err != nil {
		return model.Job{}, err
	}
	j.Status = model.StatusRunning
	if message != "" {
		j.Message = message
	}
	j.LastProgressUpdate = r.now()
	return j.Clone(), nil
}

// UpdateProgress applies a progress report. The percent is clamped to
// 0..100. A report lower than the current progress is not applied, the
// call then returns the unchanged record and applied=false. Reports for
// finished or unknown jobs return ErrAlreadyFinished or ErrNotFound, those
// are meant for logging only.
func (r *Registry) UpdateProgress(ctx context.Context, id string, percent int, message string) (job model.Job, applied bool, err error) {
	percent = min(max(percent, 0), 100)

	r.mx.Lock()
	defer r.mx.Unlock()
	j, err := r.movableLocked(id, model.StatusRunning)
	if err != nil {
		return model.Job{}, false, err
	}
	if percent < j.Progress {
		slog.WarnContext(log.WithJob(ctx, id), "regressive progress ignored",
			"current", j.Progress,
			"reported", percent,
			"message", message,
		)
		return j.Clone(), false, nil
	}
	j.Status = model.StatusRunning
	j.Progress = percent
	j.Message = message
	j.LastProgressUpdate = r.now()
	return j.Clone(), true, nil
}

// Complete stores results and moves the record into the completed tier in
// one step. The results are copied, the caller may reuse the slice.
func (r *Registry) Complete(id string, results []model.Row, executionTime time.Duration) (model.Job, error) {
	return r.finish(id, model.StatusCompleted, func(j *model.Job) {
		j.Progress = 100
		j.Message = fmt.Sprintf("completed with %d results", len(results))
		j.Results = model.CloneRows(results)
		if j.Results == nil {
			j.Results = []model.Row{}
		}
		j.ExecutionTime = executionTime.Seconds()
	})
}

// Fail marks the job as failed and moves it into the completed tier.
func (r *Registry) Fail(id string, cause error, executionTime time.Duration) (model.Job, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return r.finish(id, model.StatusError, func(j *model.Job) {
		j.Message = "failed: " + firstLine(msg)
		j.Error = msg
		j.Results = []model.Row{}
		j.ExecutionTime = executionTime.Seconds()
	})
}

func (r *Registry) finish(id string, next model.Status, apply func(*model.Job)) (model.Job, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	j, err := r.movableLocked(id, next)
	if err != nil {
		return model.Job{}, err
	}
	j.Status = next
	apply(j)
	j.LastProgressUpdate = r.now()
	delete(r.active, id)
	r.completed[id] = j
	return j.Clone(), nil
}

// ListActive returns copies of active jobs ordered by creation time.
func (r *Registry) ListActive() []model.Job {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return sorted(r.active)
}

// ListCompleted returns copies of finished jobs ordered by creation time.
func (r *Registry) ListCompleted() []model.Job {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return sorted(r.completed)
}

// Len returns sizes of both tiers.
func (r *Registry) Len() (active, completed int) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.active), len(r.completed)
}

// Sweep removes every record for which eligible returns true and returns
// the removed ids. Both tiers are examined, the predicate must not retain
// the job it gets.
func (r *Registry) Sweep(now time.Time, eligible func(job model.Job, now time.Time) bool) []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	var evicted []string
	for _, tier := range []map[string]*model.Job{r.completed, r.active} {
		for id, j := range tier {
			if eligible(*j, now) {
				delete(tier, id)
				evicted = append(evicted, id)
			}
		}
	}
	slices.Sort(evicted)
	return evicted
}

// movableLocked returns the active record of id if its status may move to
// next.
func (r *Registry) movableLocked(id string, next model.Status) (*model.Job, error) {
	if j, ok := r.active[id]; ok {
		if !j.Status.CanMoveTo(next) {
			return nil, fmt.Errorf("job %s: %s to %s: %w", id, j.Status, next, model.ErrInvalidTransition)
		}
		return j, nil
	}
	if _, ok := r.completed[id]; ok {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrAlreadyFinished)
	}
	return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
}

func (r *Registry) existsLocked(id string) bool {
	_, a := r.active[id]
	_, c := r.completed[id]
	return a || c
}

func sorted(tier map[string]*model.Job) []model.Job {
	out := make([]model.Job, 0, len(tier))
	for _, j := range tier {
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, func(a, b model.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
