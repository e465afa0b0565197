// Package archive keeps finished jobs in a sqlite database, so results
// survive the in-memory eviction and a process restart.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/scanjobs/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyArchived = errors.New("already archived")
	ErrNotFinished     = errors.New("job has not finished")
)

type Record struct {
	ID            int64
	JobID         string
	Status        model.Status
	Strategy      model.StrategyKind
	CreatedAt     time.Time
	FinishedAt    time.Time
	ExecutionTime float64
	Error         *string
	Results       []model.Row
}

func (r Record) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "job_id: %q, status: %s, strategy: %s, results: %d", r.JobID, r.Status, r.Strategy, len(r.Results))
	if r.Error != nil {
		fmt.Fprintf(&sb, ", error: %q", *r.Error)
	} else {
		sb.WriteString(", error: nil")
	}
	return sb.String()
}

// ResultsView converts the record to the shape of a results lookup.
func (r Record) ResultsView() model.ResultsView {
	v := model.ResultsView{
		ID:            r.JobID,
		Status:        r.Status,
		Results:       r.Results,
		ExecutionTime: r.ExecutionTime,
	}
	if r.Error != nil {
		v.Error = *r.Error
	}
	return v
}

// Store is a model.ResultSink writing into sqlite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := InitDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			strategy TEXT NOT NULL,
			created_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			execution_time REAL NOT NULL,
			error TEXT DEFAULT NULL,
			results TEXT NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating jobs table: %w", err)
	}
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rollback(ctx context.Context, tx *sql.Tx, jobID string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "rollback failed", "job_id", jobID, "error", err)
	}
}

// Put archives a finished job. A job can be archived once, a second call
// returns ErrAlreadyArchived.
func (s *Store) Put(ctx context.Context, job model.Job) error {
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFinished)
	}
	results, err := json.Marshal(job.Results)
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}
	var jobErr *string
	if job.Status == model.StatusError {
		jobErr = &job.Error
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, job.ID)

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id=?`, job.ID).Scan(&one)
	switch {
	case err == nil:
		return ErrAlreadyArchived
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (job_id, status, strategy, created_at, finished_at, execution_time, error, results)
		VALUES (?,?,?,?,?,?,?,?);`,
		job.ID,
		string(job.Status),
		string(job.Config.Strategy),
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
		job.LastProgressUpdate.UTC().Format(time.RFC3339Nano),
		job.ExecutionTime,
		jobErr,
		string(results),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns an archived job, ErrNotFound when it does not exist.
func (s *Store) Get(ctx context.Context, jobID string) (Record, error) {
	var (
		rec               Record
		status, strategy  string
		created, finished string
		results           string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, status, strategy, created_at, finished_at, execution_time, error, results
		FROM jobs WHERE job_id=?`, jobID,
	)
	err := row.Scan(
		&rec.ID,
		&rec.JobID,
		&status,
		&strategy,
		&created,
		&finished,
		&rec.ExecutionTime,
		&rec.Error,
		&results,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, ErrNotFound
	case err != nil:
		return Record{}, fmt.Errorf("executing sql query failed: %w", err)
	}

	rec.Status = model.Status(status)
	rec.Strategy = model.StrategyKind(strategy)
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return Record{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return Record{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(results))
	dec.UseNumber()
	if err := dec.Decode(&rec.Results); err != nil {
		return Record{}, fmt.Errorf("decoding results: %w", err)
	}
	return rec, nil
}

// Delete removes an archived job, ErrNotFound when it does not exist.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id=?`, jobID)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}
