package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"exploit-executor/internal/model"
)

// CommandQueue is the job command stream. Commands are rows of job_commands,
// claimed in id order with FOR UPDATE SKIP LOCKED and deleted once read.
type CommandQueue struct {
	db           *DB
	pollInterval time.Duration
	maxBackoff   time.Duration
}

func NewCommandQueue(db *DB, pollInterval, maxBackoff time.Duration) *CommandQueue {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	if maxBackoff < pollInterval {
		maxBackoff = pollInterval
	}
	return &CommandQueue{db: db, pollInterval: pollInterval, maxBackoff: maxBackoff}
}

// Publish appends a command to the stream.
func (q *CommandQueue) Publish(ctx context.Context, cmd model.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	_, err := q.db.pool.Exec(ctx,
		`INSERT INTO job_commands (action, job_id) VALUES ($1, $2)`, string(cmd.Action), cmd.JobID)
	if err != nil {
		return fmt.Errorf("publishing %s for job %d: %w", cmd.Action, cmd.JobID, err)
	}
	return nil
}

// Next blocks until a command is available or ctx ends; it only returns an
// error for the latter. The poll interval doubles while the table is empty or
// unreachable, up to maxBackoff.
func (q *CommandQueue) Next(ctx context.Context) (model.Command, error) {
	backoff := q.pollInterval
	for {
		cmd, ok, err := q.claim(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return model.Command{}, ctx.Err()
		case err != nil:
			log.Warn().Err(err).Dur("backoff", backoff).Msg("job command poll failed")
		case ok:
			return cmd, nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return model.Command{}, ctx.Err()
		case <-timer.C:
		}
		backoff = nextBackoff(backoff, q.maxBackoff)
	}
}

func (q *CommandQueue) claim(ctx context.Context) (model.Command, bool, error) {
	for {
		var (
			id     int64
			action string
			jobID  int64
		)
		err := q.db.pool.QueryRow(ctx, `
			DELETE FROM job_commands
			WHERE id = (
				SELECT id FROM job_commands
				ORDER BY id
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING id, action, job_id`).Scan(&id, &action, &jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Command{}, false, nil
		}
		if err != nil {
			return model.Command{}, false, fmt.Errorf("claiming job command: %w", err)
		}

		cmd := model.Command{Action: model.Action(action), JobID: jobID}
		if err := cmd.Validate(); err != nil {
			log.Warn().Err(err).Int64("command_id", id).Msg("dropping malformed job command")
			continue
		}
		return cmd, true, nil
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
