// Package postgres holds the grader's optional database collaborators: the job cancellation
// check and the per-instance load rows.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/dontdude/gradex/internal/domain"
	"github.com/dontdude/gradex/internal/load"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct{ db dbtx }

var (
	_ domain.CancellationChecker = (*Store)(nil)
	_ load.Reporter              = (*Store)(nil)
)

func New(db dbtx) *Store { return &Store{db} }

// Connect opens a pool and verifies the server is reachable.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const checkCanceled = `select canceled from grading_jobs where id = $1`

// IsCanceled reports whether the job was canceled since submission. A job with no row was never
// recorded by the submitter and is treated as live.
func (s *Store) IsCanceled(ctx context.Context, id domain.JobID) (bool, error) {
	var canceled bool
	err := s.db.QueryRow(ctx, checkCanceled, id.String()).Scan(&canceled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check cancelation of job %s: %w", id, err)
	}
	return canceled, nil
}

const upsertLoad = `insert into grader_loads (instance_id, queue_name, average_jobs, max_jobs, date)
values ($1, $2, $3, $4, now())
on conflict (instance_id) do update set
  queue_name = excluded.queue_name,
  average_jobs = excluded.average_jobs,
  max_jobs = excluded.max_jobs,
  date = excluded.date`

func (s *Store) ReportLoad(ctx context.Context, r load.Report) error {
	if _, err := s.db.Exec(ctx, upsertLoad, r.InstanceID, r.QueueName, r.AverageJobs, r.MaxJobs); err != nil {
		return fmt.Errorf("report load for %s: %w", r.InstanceID, err)
	}
	return nil
}
