package model

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Status is a lifecycle state of a scan job.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) rank() int {
	switch s {
	case StatusInitializing:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusError:
		return 2
	default:
		return -1
	}
}

// CanMoveTo reports whether the status machine permits s -> next.
// Staying in a non-terminal state is allowed, terminal states are final.
func (s Status) CanMoveTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next.rank() < 0 {
		return false
	}
	return next.rank() >= s.rank()
}

// Row is a single result row produced by a strategy, a JSON object.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// CloneRows copies the slice and every row in it.
func CloneRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

// Job is the record of one scan. It is owned by the registry, everybody
// else works on copies returned by Clone.
type Job struct {
	ID                 string
	Status             Status
	Progress           int
	Message            string
	CreatedAt          time.Time
	LastProgressUpdate time.Time
	Config             ScanConfig
	Results            []Row
	ExecutionTime      float64 // seconds
	Error              string
}

func (j Job) Clone() Job {
	c := j
	c.Config = j.Config.Clone()
	c.Results = CloneRows(j.Results)
	return c
}

func (j Job) Summary() Summary {
	return Summary{
		ID:        j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Message:   j.Message,
		Strategy:  j.Config.Strategy,
		CreatedAt: j.CreatedAt,
	}
}

func (j Job) String() string {
	return fmt.Sprintf("job %s: status=%s progress=%d%% message=%q", j.ID, j.Status, j.Progress, j.Message)
}

// Summary is a compact view used by listings.
type Summary struct {
	ID        string       `json:"id"`
	Status    Status       `json:"status"`
	Progress  int          `json:"progress_percent"`
	Message   string       `json:"message"`
	Strategy  StrategyKind `json:"strategy"`
	CreatedAt time.Time    `json:"created_at"`
}

// StatusView is the answer of a status lookup.
type StatusView struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Progress int    `json:"progress_percent"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
}

// ResultsView is the answer of a results lookup of a finished job.
type ResultsView struct {
	ID            string  `json:"id"`
	Status        Status  `json:"status"`
	Results       []Row   `json:"results"`
	ExecutionTime float64 `json:"execution_time"`
	Error         string  `json:"error,omitempty"`
}

// Event is pushed to a progress observer after the registry applied the
// state it describes. Final events carry the result set.
type Event struct {
	JobID         string    `json:"job_id"`
	Status        Status    `json:"status"`
	Progress      int       `json:"progress_percent"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	Final         bool      `json:"final,omitempty"`
	Results       []Row     `json:"results,omitempty"`
	ExecutionTime float64   `json:"execution_time,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// EventOf builds an event from a job snapshot.
func EventOf(j Job) Event {
	e := Event{
		JobID:     j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Message:   j.Message,
		Timestamp: j.LastProgressUpdate,
	}
	if j.Status.Terminal() {
		e.Final = true
		e.Results = j.Results
		e.ExecutionTime = j.ExecutionTime
		e.Error = j.Error
	}
	return e
}

// ProgressSink receives progress of a running job. Implementations must be
// safe to call from the strategy goroutine.
type ProgressSink interface {
	Report(percent int, message string)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(percent int, message string)

func (f ProgressFunc) Report(percent int, message string) {
	f(percent, message)
}

// Discard is a sink dropping every report.
var Discard ProgressSink = ProgressFunc(func(int, string) {})

// sortedKeys is used for stable log output of free form params
func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
