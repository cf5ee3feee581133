package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"exploit-executor/internal/model"
	"exploit-executor/internal/monitor"
)

// Task is one job run.
type Task interface {
	Run(ctx context.Context) error
}

// Factory builds the task for a job id.
type Factory func(jobID int64) Task

// Jobs is the dispatcher: it consumes job commands, starts one task per
// QUEUE and cancels tasks on CANCEL.
type Jobs struct {
	factory  Factory
	registry *Registry
	metrics  *monitor.Metrics
	wg       sync.WaitGroup
}

func NewJobs(factory Factory, metrics *monitor.Metrics) *Jobs {
	if metrics == nil {
		metrics = monitor.NewMetrics()
	}
	return &Jobs{
		factory:  factory,
		registry: NewRegistry(),
		metrics:  metrics,
	}
}

// Registry exposes the in-flight task registry.
func (j *Jobs) Registry() *Registry {
	return j.registry
}

// Poll consumes commands from src until ctx ends, which returns nil, or src
// fails. Tasks already started keep running; see Shutdown.
func (j *Jobs) Poll(ctx context.Context, src CommandSource) error {
	log.Info().Msg("polling job commands")
	for {
		cmd, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading job command: %w", err)
		}
		if err := j.Handle(ctx, cmd); err != nil {
			log.Warn().Err(err).Msg("ignoring job command")
		}
	}
}

// Handle applies one command.
func (j *Jobs) Handle(ctx context.Context, cmd model.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	j.metrics.CommandsTotal.WithLabelValues(string(cmd.Action)).Inc()

	switch cmd.Action {
	case model.ActionQueue:
		j.Queue(ctx, cmd.JobID)
	case model.ActionCancel:
		j.Cancel(cmd.JobID)
	}
	return nil
}

// Queue starts the job in its own goroutine and returns its task id. The
// task outlives ctx; only Cancel or Shutdown stop it.
func (j *Jobs) Queue(ctx context.Context, jobID int64) string {
	taskCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	info := InFlight{
		TaskID:    uuid.New().String(),
		JobID:     jobID,
		StartedAt: time.Now(),
	}
	j.registry.add(info, cancel)
	j.metrics.JobsInFlight.Inc()
	j.wg.Add(1)

	go func() {
		defer j.wg.Done()
		defer j.metrics.JobsInFlight.Dec()
		defer j.registry.remove(info.TaskID)
		defer cancel(nil)
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Int64("job_id", jobID).
					Str("stack", string(debug.Stack())).
					Msg("job task panicked")
			}
		}()

		if err := j.factory(jobID).Run(taskCtx); err != nil {
			var provErr *ProvisionError
			switch {
			case errors.As(err, &provErr):
				log.Error().Err(err).Int64("job_id", jobID).Msg("job ended: container provisioning failed")
			default:
				log.Error().Err(err).Int64("job_id", jobID).Msg("job ended with error")
			}
		}
	}()

	log.Debug().Int64("job_id", jobID).Str("task_id", info.TaskID).Msg("job queued")
	return info.TaskID
}

// Cancel requests cancellation of every task running jobID and returns
// immediately. Unknown job ids are ignored.
func (j *Jobs) Cancel(jobID int64) int {
	n := j.registry.CancelJob(jobID, ErrJobCancelled)
	if n == 0 {
		log.Debug().Int64("job_id", jobID).Msg("cancel for job not in flight")
		return 0
	}
	log.Info().Int64("job_id", jobID).Int("tasks", n).Msg("job cancellation requested")
	return n
}

// Shutdown cancels every running task and waits for them up to ctx.
func (j *Jobs) Shutdown(ctx context.Context) error {
	if n := j.registry.CancelAll(ErrShutdown); n > 0 {
		log.Info().Int("tasks", n).Msg("cancelling in-flight jobs")
	}
	done := make(chan struct{})
	go func() {
		j.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// Wait blocks until every started task has returned.
func (j *Jobs) Wait() {
	j.wg.Wait()
}
