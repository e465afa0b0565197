// Package gc evicts finished and abandoned jobs from the registry.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/scanjobs/internal/model"
)

var ErrNoSchedule = errors.New("both cron and interval are empty")

// Sweeper removes every record the eligible func selects and returns ids
// of the removed ones.
type Sweeper interface {
	Sweep(now time.Time, eligible func(job model.Job, now time.Time) bool) []string
}

// Policy is the eviction rule. A record is evicted when it is older than
// TTL and it is either finished or it had no progress update for Recent.
// Unfinished records use Stale instead of TTL, zero Stale means TTL.
type Policy struct {
	TTL    time.Duration
	Recent time.Duration
	Stale  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		TTL:    model.DefaultTTL,
		Recent: model.DefaultRecent,
		Stale:  model.DefaultTTL,
	}
}

// PolicyOf picks eviction settings from a parsed gc config section.
func PolicyOf(p model.GCPolicy) Policy {
	return Policy{TTL: p.TTL, Recent: p.Recent, Stale: p.Stale}
}

func (p Policy) Eligible(job model.Job, now time.Time) bool {
	age := now.Sub(job.CreatedAt)
	if job.Status.Terminal() {
		return age > p.TTL
	}
	stale := p.Stale
	if stale <= 0 {
		stale = p.TTL
	}
	return age > stale && now.Sub(job.LastProgressUpdate) > p.Recent
}

// Schedule says when the sweep runs. Cron has a precedence over Interval.
type Schedule struct {
	Interval time.Duration
	Cron     string
}

func ScheduleOf(p model.GCPolicy) Schedule {
	return Schedule{Interval: p.Interval, Cron: p.Cron}
}

type Option func(*Collector)

func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

// WithOnEvict registers a callback called with ids removed by a sweep.
func WithOnEvict(f func(ctx context.Context, ids []string)) Option {
	return func(c *Collector) {
		c.onEvict = f
	}
}

type Collector struct {
	sweeper Sweeper
	policy  Policy
	now     func() time.Time
	onEvict func(ctx context.Context, ids []string)

	mx        sync.Mutex
	scheduler gocron.Scheduler
}

func New(sweeper Sweeper, policy Policy, opts ...Option) *Collector {
	c := &Collector{
		sweeper: sweeper,
		policy:  policy,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sweep runs one eviction pass.
func (c *Collector) Sweep(ctx context.Context) []string {
	now := c.now()
	evicted := c.sweeper.Sweep(now, c.policy.Eligible)
	if len(evicted) == 0 {
		slog.DebugContext(ctx, "gc: nothing to evict")
		return nil
	}
	slog.InfoContext(ctx, "gc: evicted jobs", "count", len(evicted), "ids", evicted)
	if c.onEvict != nil {
		c.onEvict(ctx, evicted)
	}
	return evicted
}

// Start runs Sweep periodically until Shutdown is called.
func (c *Collector) Start(ctx context.Context, sched Schedule) error {
	var def gocron.JobDefinition
	switch {
	case sched.Cron != "":
		if _, err := model.ParseCron(sched.Cron); err != nil {
			return fmt.Errorf("parsing gc cron: %w", err)
		}
		def = gocron.CronJob(sched.Cron, false)
	case sched.Interval > 0:
		def = gocron.DurationJob(sched.Interval)
	default:
		return ErrNoSchedule
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		def,
		gocron.NewTask(func() { c.Sweep(ctx) }),
		gocron.WithName("gc"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	if c.scheduler != nil {
		_ = s.Shutdown()
		return errors.New("gc already started")
	}
	c.scheduler = s
	s.Start()
	slog.DebugContext(ctx, "gc started", "interval", sched.Interval, "cron", sched.Cron)
	return nil
}

// Shutdown stops the schedule and waits for a running sweep.
func (c *Collector) Shutdown() error {
	c.mx.Lock()
	s := c.scheduler
	c.scheduler = nil
	c.mx.Unlock()
	if s == nil {
		return nil
	}
	return s.Shutdown()
}
