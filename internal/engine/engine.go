// Package engine is the facade of the scan job orchestration. It admits
// jobs, runs them through the router in the background and answers
// status and results lookups from the registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/CZERTAINLY/scanjobs/internal/admission"
	"github.com/CZERTAINLY/scanjobs/internal/broadcast"
	"github.com/CZERTAINLY/scanjobs/internal/dedupe"
	"github.com/CZERTAINLY/scanjobs/internal/log"
	"github.com/CZERTAINLY/scanjobs/internal/model"
	"github.com/CZERTAINLY/scanjobs/internal/registry"
)

var (
	ErrClosed   = errors.New("engine is closed")
	ErrJobPanic = errors.New("job panicked")
)

// sinkTimeout bounds delivery of a finished job to a single result sink.
const sinkTimeout = 30 * time.Second

// Executor runs a job, *router.Router is the production one.
type Executor interface {
	Supports(kind model.StrategyKind) bool
	Execute(ctx context.Context, jobID string, cfg model.ScanConfig, sink model.ProgressSink) ([]model.Row, error)
}

type Option func(*Engine)

// WithCapacity sets the number of jobs allowed to run at once.
func WithCapacity(n int) Option {
	return func(e *Engine) {
		e.adm = admission.New(n)
	}
}

func WithRegistry(r *registry.Registry) Option {
	return func(e *Engine) {
		e.reg = r
	}
}

func WithBroadcaster(b *broadcast.Broadcaster) Option {
	return func(e *Engine) {
		e.bc = b
	}
}

// WithSinks adds sinks which get every finished job.
func WithSinks(sinks ...model.ResultSink) Option {
	return func(e *Engine) {
		e.sinks = append(e.sinks, sinks...)
	}
}

func WithMeter(m metric.Meter) Option {
	return func(e *Engine) {
		e.meter = m
	}
}

// WithClock sets the clock measuring the execution time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

type Engine struct {
	exec    Executor
	reg     *registry.Registry
	adm     *admission.Controller
	bc      *broadcast.Broadcaster
	sinks   []model.ResultSink
	meter   metric.Meter
	metrics metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	mx     sync.RWMutex
	closed bool

	// idle is closed whenever the last running job ends
	jobsMx sync.Mutex
	jobs   int
	idle   chan struct{}
}

func New(exec Executor, opts ...Option) *Engine {
	e := &Engine{
		exec: exec,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reg == nil {
		e.reg = registry.New()
	}
	if e.adm == nil {
		e.adm = admission.New(model.DefaultCapacity)
	}
	if e.bc == nil {
		e.bc = broadcast.New()
	}
	if e.meter == nil {
		e.meter = defaultMeter()
	}
	e.metrics = newMetrics(e.meter)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Registry exposes the job store, the garbage collector sweeps it.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Submit validates cfg, admits the job and starts it in the background.
// Invalid configs and rejected admissions leave no record behind.
func (e *Engine) Submit(ctx context.Context, cfg model.ScanConfig) (string, error) {
	e.mx.RLock()
	defer e.mx.RUnlock()
	if e.closed {
		return "", ErrClosed
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if !e.exec.Supports(cfg.Strategy) {
		return "", fmt.Errorf("strategy %q is not configured: %w", cfg.Strategy, model.ErrUnknownStrategy)
	}
	if !e.adm.TryAdmit() {
		e.metrics.recordRejected(ctx)
		slog.WarnContext(ctx, "job rejected", "running", e.adm.Running(), "capacity", e.adm.Capacity())
		return "", fmt.Errorf("%d jobs running: %w", e.adm.Running(), model.ErrCapacityExceeded)
	}

	job := e.reg.Create(cfg)
	e.metrics.recordSubmitted(ctx, cfg.Strategy)
	slog.InfoContext(log.WithJob(ctx, job.ID), "job submitted", "config", job.Config)
	e.started()
	go func() {
		defer e.ended()
		e.run(job.ID, job.Config)
	}()
	return job.ID, nil
}

func (e *Engine) started() {
	e.jobsMx.Lock()
	defer e.jobsMx.Unlock()
	if e.jobs == 0 {
		e.idle = make(chan struct{})
	}
	e.jobs++
}

func (e *Engine) ended() {
	e.jobsMx.Lock()
	defer e.jobsMx.Unlock()
	e.jobs--
	if e.jobs == 0 {
		close(e.idle)
	}
}

func (e *Engine) run(id string, cfg model.ScanConfig) {
	ctx := log.WithJob(e.ctx, id)
	start := e.now()
	// the slot is freed at the terminal transition, before the sinks run
	release := sync.OnceFunc(func() {
		e.metrics.recordDone(ctx)
		e.adm.Release()
	})
	defer release()
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "job panicked", "panic", p)
			e.fail(ctx, id, fmt.Errorf("%w: %v", ErrJobPanic, p), e.now().Sub(start), release)
		}
	}()

	job, err := e.reg.MarkRunning(id, "running "+string(cfg.Strategy))
	if err != nil {
		slog.WarnContext(ctx, "job vanished before start", "error", err)
		return
	}
	e.publish(ctx, job)

	sink := model.ProgressFunc(func(percent int, message string) {
		job, applied, err := e.reg.UpdateProgress(ctx, id, percent, message)
		if err != nil {
			slog.DebugContext(ctx, "progress dropped", "error", err)
			return
		}
		if applied {
			e.publish(ctx, job)
		}
	})

	rows, err := e.exec.Execute(ctx, id, cfg, sink)
	elapsed := e.now().Sub(start)
	if err != nil {
		slog.ErrorContext(ctx, "job failed", "error", err, "elapsed", elapsed)
		e.fail(ctx, id, err, elapsed, release)
		return
	}

	rows = dedupe.Rows(rows)
	job, err = e.reg.Complete(id, rows, elapsed)
	if err != nil {
		slog.WarnContext(ctx, "job can't be completed", "error", err)
		return
	}
	slog.InfoContext(ctx, "job completed", "results", len(job.Results), "elapsed", elapsed)
	e.finished(ctx, job, release)
}

func (e *Engine) fail(ctx context.Context, id string, cause error, elapsed time.Duration, release func()) {
	job, err := e.reg.Fail(id, cause, elapsed)
	if err != nil {
		slog.WarnContext(ctx, "job can't be failed", "error", err)
		return
	}
	e.finished(ctx, job, release)
}

func (e *Engine) finished(ctx context.Context, job model.Job, release func()) {
	release()
	e.metrics.recordFinished(ctx, job.Status)
	e.publish(ctx, job)

	ctx = context.WithoutCancel(ctx)
	for _, s := range e.sinks {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		if err := s.Put(sctx, job.Clone()); err != nil {
			slog.ErrorContext(ctx, "result sink failed", "sink", fmt.Sprintf("%T", s), "error", err)
		}
		cancel()
	}
}

// publish must be called only after the registry applied job.
func (e *Engine) publish(ctx context.Context, job model.Job) {
	e.bc.Publish(ctx, model.EventOf(job))
}

func (e *Engine) GetStatus(id string) (model.StatusView, error) {
	job, err := e.reg.Get(id)
	if err != nil {
		return model.StatusView{}, err
	}
	return model.StatusView{
		ID:       job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
		Error:    job.Error,
	}, nil
}

// GetResults returns ErrInProgress until the job finished.
func (e *Engine) GetResults(id string) (model.ResultsView, error) {
	job, err := e.reg.Get(id)
	if err != nil {
		return model.ResultsView{}, err
	}
	if !job.Status.Terminal() {
		return model.ResultsView{ID: job.ID, Status: job.Status}, fmt.Errorf("job %s: %w", id, model.ErrInProgress)
	}
	return model.ResultsView{
		ID:            job.ID,
		Status:        job.Status,
		Results:       job.Results,
		ExecutionTime: job.ExecutionTime,
		Error:         job.Error,
	}, nil
}

func (e *Engine) ListActive() []model.Summary {
	return summaries(e.reg.ListActive())
}

func (e *Engine) ListCompleted() []model.Summary {
	return summaries(e.reg.ListCompleted())
}

func summaries(jobs []model.Job) []model.Summary {
	ret := make([]model.Summary, len(jobs))
	for i, j := range jobs {
		ret[i] = j.Summary()
	}
	return ret
}

// Subscribe attaches obs to a job replacing the previous observer. An
// observer of an already finished job gets the final event at once.
func (e *Engine) Subscribe(id string, obs broadcast.Observer) error {
	if _, err := e.reg.Get(id); err != nil {
		return err
	}
	e.bc.Subscribe(id, obs)
	// the job may have finished before the subscription
	job, err := e.reg.Get(id)
	if err != nil {
		e.bc.UnsubscribeObserver(id, obs)
		return err
	}
	if job.Status.Terminal() {
		e.publish(log.WithJob(e.ctx, id), job)
	}
	return nil
}

func (e *Engine) Unsubscribe(id string) {
	e.bc.Unsubscribe(id)
}

// UnsubscribeObserver drops obs unless a newer observer replaced it.
func (e *Engine) UnsubscribeObserver(id string, obs broadcast.Observer) {
	e.bc.UnsubscribeObserver(id, obs)
}

// Forget drops observers of evicted jobs.
func (e *Engine) Forget(_ context.Context, ids []string) {
	for _, id := range ids {
		e.bc.Unsubscribe(id)
	}
}

// Wait blocks until no job is running or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	e.jobsMx.Lock()
	if e.jobs == 0 {
		e.jobsMx.Unlock()
		return nil
	}
	idle := e.idle
	e.jobsMx.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new jobs, cancels the running ones and waits for them to
// reach a terminal state. Sinks implementing io.Closer are closed.
func (e *Engine) Close(ctx context.Context) error {
	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return nil
	}
	e.closed = true
	e.mx.Unlock()

	e.cancel()
	err := e.Wait(ctx)
	var errs []error
	errs = append(errs, err)
	for _, s := range e.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
