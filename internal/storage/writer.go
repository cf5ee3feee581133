package storage

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"exploit-executor/internal/model"
)

const attemptTimeout = 5 * time.Second

// retryBackoff returns the wait before retry number attempt (0-based):
// 100ms, 200ms, 400ms, ...
func retryBackoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
}

// withRetry runs fn up to maxRetries+1 times with exponential backoff between
// attempts. Each attempt gets its own timeout. It stops early if ctx ends.
func withRetry(ctx context.Context, maxRetries int, what string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}

		if attempt == maxRetries {
			break
		}

		backoff := retryBackoff(attempt)
		log.Warn().
			Err(err).
			Str("op", what).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("database write failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	log.Error().Err(err).Str("op", what).Msg("database write failed permanently after retries")
	return err
}

type resultStore interface {
	WithJob(ctx context.Context, jobID int64, fn func(*model.Job) error) error
	SaveResults(ctx context.Context, jobID int64, status model.Status, results []model.ExecutionResult) error
}

// ResultWriter retries final result writes so a transient database error
// does not drop a finished job's output.
type ResultWriter struct {
	db         resultStore
	maxRetries int
}

func NewResultWriter(db resultStore, maxRetries int) *ResultWriter {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &ResultWriter{db: db, maxRetries: maxRetries}
}

// WithJob is not retried: fn may have side effects outside the transaction.
func (w *ResultWriter) WithJob(ctx context.Context, jobID int64, fn func(*model.Job) error) error {
	return w.db.WithJob(ctx, jobID, fn)
}

func (w *ResultWriter) SaveResults(ctx context.Context, jobID int64, status model.Status, results []model.ExecutionResult) error {
	return withRetry(ctx, w.maxRetries, "save_results", func(ctx context.Context) error {
		return w.db.SaveResults(ctx, jobID, status, results)
	})
}
