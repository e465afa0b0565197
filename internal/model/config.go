package model

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultListen        = "127.0.0.1:8080"
	DefaultCapacity      = 4
	DefaultParallelism   = 4
	DefaultRobustTimeout = 60 * time.Second
	DefaultSweepInterval = 5 * time.Minute
	DefaultTTL           = time.Hour
	DefaultRecent        = 10 * time.Minute
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version    int        `json:"version" yaml:"version"` // fixed 0 for now
	Service    Service    `json:"service" yaml:"service"`
	GC         GC         `json:"gc" yaml:"gc"`
	Strategies Strategies `json:"strategies" yaml:"strategies"`
	Archive    Archive    `json:"archive" yaml:"archive"`
	Export     Export     `json:"export" yaml:"export"`
}

type Service struct {
	Verbose  bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Listen   string `json:"listen,omitempty" yaml:"listen,omitempty"`
	Capacity int    `json:"capacity,omitempty" yaml:"capacity,omitempty"`
}

// GC configures the sweep of finished jobs. Cron has a precedence over
// Interval. All durations are ISO8601, e.g. PT5M.
type GC struct {
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	TTL      string `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	Recent   string `json:"recent,omitempty" yaml:"recent,omitempty"`
	Stale    string `json:"stale,omitempty" yaml:"stale,omitempty"`
}

type Strategies struct {
	RobustTimeout string   `json:"robust_timeout,omitempty" yaml:"robust_timeout,omitempty"`
	Parallelism   int      `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	Builtin       *Command `json:"builtin,omitempty" yaml:"builtin,omitempty"`
	Interpreter   *Command `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	Universe      *Command `json:"universe,omitempty" yaml:"universe,omitempty"`
	Match         *Command `json:"match,omitempty" yaml:"match,omitempty"`
}

// Command is an external program executing a strategy.
type Command struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Environ returns Env as KEY=value pairs, values starting with $ are
// expanded from the process environment.
func (c Command) Environ() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}

func (c Command) TimeoutDuration() (time.Duration, error) {
	return durationOr(c.Timeout, 0)
}

type Archive struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

type Export struct {
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// GCPolicy is a parsed GC section.
type GCPolicy struct {
	Interval time.Duration
	Cron     string
	TTL      time.Duration
	Recent   time.Duration
	Stale    time.Duration
}

func (g GC) Policy() (GCPolicy, error) {
	var p GCPolicy
	var err error
	if p.Interval, err = durationOr(g.Interval, DefaultSweepInterval); err != nil {
		return p, fmt.Errorf("gc.interval: %w", err)
	}
	if g.Cron != "" {
		if _, err := ParseCron(g.Cron); err != nil {
			return p, fmt.Errorf("gc.cron: %w", err)
		}
		p.Cron = g.Cron
	}
	if p.TTL, err = durationOr(g.TTL, DefaultTTL); err != nil {
		return p, fmt.Errorf("gc.ttl: %w", err)
	}
	if p.Recent, err = durationOr(g.Recent, DefaultRecent); err != nil {
		return p, fmt.Errorf("gc.recent: %w", err)
	}
	if p.Stale, err = durationOr(g.Stale, p.TTL); err != nil {
		return p, fmt.Errorf("gc.stale: %w", err)
	}
	return p, nil
}

func (s Strategies) RobustTimeoutDuration() (time.Duration, error) {
	return durationOr(s.RobustTimeout, DefaultRobustTimeout)
}

func (s Strategies) ParallelismOrDefault() int {
	if s.Parallelism <= 0 {
		return DefaultParallelism
	}
	return s.Parallelism
}

func (s Service) CapacityOrDefault() int {
	if s.Capacity <= 0 {
		return DefaultCapacity
	}
	return s.Capacity
}

// DefaultConfig is stored when no configuration file exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Listen:   DefaultListen,
			Capacity: DefaultCapacity,
		},
		GC: GC{
			Interval: "PT5M",
			TTL:      "PT1H",
			Recent:   "PT10M",
		},
		Strategies: Strategies{
			RobustTimeout: "PT60S",
			Parallelism:   DefaultParallelism,
			Interpreter: &Command{
				Path: "python3",
			},
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("scanjobs.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if _, err := out.GC.Policy(); err != nil {
		return Config{}, err
	}
	if _, err := out.Strategies.RobustTimeoutDuration(); err != nil {
		return Config{}, fmt.Errorf("strategies.robust_timeout: %w", err)
	}
	return out, nil
}
