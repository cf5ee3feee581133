package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"exploit-executor/internal/config"
	"exploit-executor/internal/model"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrExecutionNotFound = errors.New("execution not found")
)

// DB wraps a PostgreSQL connection pool shared with the rest of the platform.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	poolCfg.MaxConns = 25
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = 5 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Int32("max_conns", poolCfg.MaxConns).Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// Migrate creates the executor-owned tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// WithJob loads a job and its executions under a row lock, lets fn mutate
// them and writes the job status plus every execution's status and output
// back in the same transaction. If fn returns an error nothing is written.
func (db *DB) WithJob(ctx context.Context, jobID int64, fn func(*model.Job) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	job, err := loadJob(ctx, tx, jobID)
	if err != nil {
		return err
	}

	if err := fn(job); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	batch.Queue(`UPDATE jobs SET status = $2 WHERE id = $1`, job.ID, string(job.Status))
	for _, e := range job.Executions {
		batch.Queue(`UPDATE executions SET status = $2, stdout = $3, stderr = $4 WHERE id = $1`,
			e.ID, string(e.Status), pgText(e.Stdout), pgText(e.Stderr))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("updating job %d: %w", jobID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing job %d: %w", jobID, err)
	}
	return nil
}

// SaveResults writes the final job status and every execution result in one
// transaction. Rewriting identical values is harmless, so callers may retry.
func (db *DB) SaveResults(ctx context.Context, jobID int64, status model.Status, results []model.ExecutionResult) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	tag, err := tx.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, jobID, string(status))
	if err != nil {
		return fmt.Errorf("updating job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d: %w", jobID, ErrJobNotFound)
	}

	batch := &pgx.Batch{}
	for _, r := range results {
		batch.Queue(`UPDATE executions SET status = $3, stdout = $4, stderr = $5 WHERE id = $1 AND job_id = $2`,
			r.ExecutionID, jobID, string(r.Status), pgText(r.Stdout), pgText(r.Stderr))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("updating executions of job %d: %w", jobID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing results of job %d: %w", jobID, err)
	}
	return nil
}

// GetExecution retrieves a single execution with its target.
func (db *DB) GetExecution(ctx context.Context, id int64) (*model.Execution, error) {
	query := `
		SELECT e.id, e.job_id, e.status, e.stdout, e.stderr, t.id, t.ip, t.extra
		FROM executions e JOIN targets t ON t.id = e.target_id
		WHERE e.id = $1`

	var exec model.Execution
	var status string
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.JobID, &status, &exec.Stdout, &exec.Stderr,
		&exec.Target.ID, &exec.Target.IP, &exec.Target.Extra,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %d: %w", id, ErrExecutionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %d: %w", id, err)
	}
	exec.Status = model.Status(status)
	return &exec, nil
}

func loadJob(ctx context.Context, tx pgx.Tx, jobID int64) (*model.Job, error) {
	var (
		job    model.Job
		status string
	)
	err := tx.QueryRow(ctx,
		`SELECT id, exploit_id, timeout, status FROM jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&job.ID, &job.ExploitID, &job.Deadline, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying job %d: %w", jobID, err)
	}
	job.Status = model.Status(status)

	rows, err := tx.Query(ctx, `
		SELECT e.id, e.status, e.stdout, e.stderr, t.id, t.ip, t.extra
		FROM executions e JOIN targets t ON t.id = e.target_id
		WHERE e.job_id = $1
		ORDER BY e.id
		FOR UPDATE OF e`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying executions of job %d: %w", jobID, err)
	}
	defer rows.Close()

	for rows.Next() {
		e := model.Execution{JobID: jobID}
		var st string
		if err := rows.Scan(&e.ID, &st, &e.Stdout, &e.Stderr, &e.Target.ID, &e.Target.IP, &e.Target.Extra); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		e.Status = model.Status(st)
		job.Executions = append(job.Executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading executions of job %d: %w", jobID, err)
	}
	return &job, nil
}
