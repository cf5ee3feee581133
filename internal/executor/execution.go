package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"exploit-executor/internal/config"
	"exploit-executor/internal/model"
	"exploit-executor/internal/monitor"
	"exploit-executor/internal/sandbox"
)

// Diagnostics written to an execution's stderr.
const (
	TimeoutMessage   = "<EXECUTOR TIMEOUT HAPPENED>"
	CancelledMessage = "<EXECUTION CANCELLED>"
	ReplacedMessage  = "CONTAINER REPLACED: exploit container was taken over by a newer job"
	ExecErrorPrefix  = "DOCKER EXECUTION ERROR: "
)

const (
	defaultCleanupTimeout = 30 * time.Second
	// sinkTimeout bounds forwarding of one chunk once the job has stopped.
	sinkTimeout = 5 * time.Second
)

// Options are the per-deployment settings of an orchestrator.
type Options struct {
	// PersistRoot is where this process creates scratch directories.
	PersistRoot string
	// HostPersistRoot is the same directory as the container daemon sees it.
	HostPersistRoot string
	PersistTarget   string
	CodeRoot        string
	ContainerPrefix string
	Limits          sandbox.ResourceLimits
	CleanupTimeout  time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PersistRoot:     cfg.Executor.PersistRoot,
		HostPersistRoot: cfg.Executor.HostPersistRoot,
		PersistTarget:   cfg.Executor.PersistTarget,
		CodeRoot:        cfg.Executor.CodeRoot,
		ContainerPrefix: cfg.Executor.ContainerPrefix,
		Limits:          sandbox.LimitsFromConfig(cfg.Sandbox.Limits),
		CleanupTimeout:  cfg.Executor.CleanupTimeout,
	}
}

// Engine holds what every job orchestrator shares.
type Engine struct {
	store       Store
	readiness   Readiness
	provisioner Provisioner
	sink        Sink
	opts        Options
	metrics     *monitor.Metrics
	tracer      *monitor.Tracer

	now func() time.Time
}

func NewEngine(store Store, readiness Readiness, provisioner Provisioner, sink Sink,
	opts Options, metrics *monitor.Metrics, tracer *monitor.Tracer) *Engine {
	if opts.PersistTarget == "" {
		opts.PersistTarget = "/persist"
	}
	if opts.CodeRoot == "" {
		opts.CodeRoot = "/exploit"
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}
	if metrics == nil {
		metrics = monitor.NewMetrics()
	}
	if tracer == nil {
		tracer = monitor.NewTracer(false)
	}
	return &Engine{
		store:       store,
		readiness:   readiness,
		provisioner: provisioner,
		sink:        sink,
		opts:        opts,
		metrics:     metrics,
		tracer:      tracer,
		now:         time.Now,
	}
}

// NewJob returns the orchestrator for one job. It satisfies Factory.
func (e *Engine) NewJob(jobID int64) Task {
	return &JobExecution{
		Engine: e,
		id:     jobID,
		log:    log.With().Int64("job_id", jobID).Logger(),
	}
}

// JobExecution runs one job: load and validate, provision the exploit
// container, execute against every target concurrently, reconcile.
type JobExecution struct {
	*Engine
	id  int64
	log zerolog.Logger
}

// Run executes the job. Deadline and build failures are persisted and
// absorbed. Provisioning and persistence failures are returned after
// whatever could be persisted was.
func (j *JobExecution) Run(ctx context.Context) (err error) {
	ctx, span := j.tracer.StartSpan(ctx, "job", monitor.AttrJobID.Int64(j.id))
	defer func() { monitor.EndSpan(span, err) }()
	start := j.now()

	run, err := j.prepare(ctx)
	switch {
	case errors.Is(err, ErrDeadlineExceeded):
		j.log.Info().Msg("job deadline passed before start")
		j.metrics.RecordJob(string(model.StatusTimeout), j.now().Sub(start))
		return nil
	case errors.Is(err, ErrBuildNotReady):
		j.log.Warn().Err(err).Msg("exploit not runnable")
		j.metrics.RecordJob(string(model.StatusFailed), j.now().Sub(start))
		return nil
	case err != nil && stopped(ctx):
		return j.markCancelled(ctx)
	case err != nil:
		j.metrics.PersistenceErrors.WithLabelValues("load").Inc()
		return err
	}
	span.SetAttributes(monitor.AttrExploitID.String(run.Exploit.ID))

	lease, err := j.provision(ctx, run)
	if err != nil {
		if stopped(ctx) {
			run.setAll(model.StatusCancelled, cancelDiagnostic(ctx))
			_, saveErr := j.reconcile(ctx, run)
			return saveErr
		}
		run.setAll(model.StatusFailed, err.Error())
		if _, saveErr := j.reconcile(ctx, run); saveErr != nil {
			return errors.Join(err, saveErr)
		}
		return err
	}

	j.execute(ctx, run, lease)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.opts.CleanupTimeout)
	releaseStart := j.now()
	relErr := lease.Release(cleanupCtx)
	j.metrics.ObserveContainer("remove", releaseStart, relErr)
	cancel()
	if relErr != nil {
		j.log.Warn().Err(relErr).Msg("failed to remove exploit container")
	}

	status, err := j.reconcile(ctx, run)
	if err != nil {
		return err
	}
	j.metrics.RecordJob(string(status), j.now().Sub(start))
	j.log.Info().
		Str("status", string(status)).
		Int("executions", len(run.Executions)).
		Dur("duration", j.now().Sub(start)).
		Msg("job finished")
	return nil
}

// prepare loads the job in one transaction. It persists TIMEOUT or FAILED
// and returns ErrDeadlineExceeded or ErrBuildNotReady when the job cannot
// run, otherwise marks everything RUNNING and returns the snapshot.
func (j *JobExecution) prepare(ctx context.Context) (*Run, error) {
	var (
		run     *Run
		outcome error
	)
	err := j.store.WithJob(ctx, j.id, func(job *model.Job) error {
		run, outcome = nil, nil

		if !job.Deadline.After(j.now()) {
			job.SetAll(model.StatusTimeout, TimeoutMessage)
			outcome = fmt.Errorf("%w: deadline %s", ErrDeadlineExceeded, job.Deadline.Format(time.RFC3339))
			return nil
		}

		exploit, err := j.readiness.EnsureExploit(ctx, job.ExploitID)
		if err != nil {
			return fmt.Errorf("checking exploit %q: %w", job.ExploitID, err)
		}
		if !exploit.Ready() {
			diag := exploit.BuildOutput
			if diag == "" {
				diag = fmt.Sprintf("exploit %s is not built (status %s)", exploit.ID, exploit.Status)
			}
			job.SetAll(model.StatusFailed, diag)
			outcome = fmt.Errorf("%w: exploit %s has status %s", ErrBuildNotReady, exploit.ID, exploit.Status)
			return nil
		}

		job.SetAll(model.StatusRunning, "")
		run = newRun(job, exploit)
		return nil
	})
	if err != nil {
		return nil, &PersistenceError{JobID: j.id, Op: "load", Err: err}
	}
	if outcome != nil {
		return nil, outcome
	}
	return run, nil
}

// ContainerName is the exploit's container name; all jobs of one exploit share it.
func (e *Engine) ContainerName(exploitID string) string {
	return e.opts.ContainerPrefix + exploitID
}

func (j *JobExecution) provision(ctx context.Context, run *Run) (*sandbox.Lease, error) {
	ctx, span := j.tracer.StartSpan(ctx, "provision", monitor.AttrJobID.Int64(j.id))
	name := j.ContainerName(run.Exploit.ID)
	span.SetAttributes(monitor.AttrContainer.String(name))
	start := j.now()

	lease, err := j.provisionContainer(ctx, name, run)
	j.metrics.ObserveContainer("provision", start, err)
	monitor.EndSpan(span, err)
	if err != nil {
		j.log.Error().Err(err).Str("container", name).Msg("container provisioning failed")
		return nil, &ProvisionError{JobID: j.id, Container: name, Err: err}
	}
	j.log.Debug().Str("container", name).Str("lease", lease.Token).Msg("exploit container started")
	return lease, nil
}

func (j *JobExecution) provisionContainer(ctx context.Context, name string, run *Run) (*sandbox.Lease, error) {
	key := run.Exploit.PersistKey
	if key == "" {
		key = run.Exploit.ID
	}
	if key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return nil, fmt.Errorf("invalid persist key %q", key)
	}
	if err := os.MkdirAll(filepath.Join(j.opts.PersistRoot, key), 0o755); err != nil {
		return nil, fmt.Errorf("creating persist directory: %w", err)
	}

	// The container's main process only keeps it alive until the deadline.
	secs := int64(math.Floor(run.Deadline.Sub(j.now()).Seconds()))
	if secs < 1 {
		secs = 1
	}

	return j.provisioner.Provision(ctx, sandbox.ContainerSpec{
		Name:    name,
		Image:   run.Exploit.ImageRef,
		Command: []string{"sleep", strconv.FormatInt(secs, 10)},
		Mounts: []sandbox.Mount{{
			Source: filepath.Join(j.opts.HostPersistRoot, key),
			Target: j.opts.PersistTarget,
		}},
		Limits: j.opts.Limits,
	})
}

// execute runs every execution concurrently and waits for all of them.
func (j *JobExecution) execute(ctx context.Context, run *Run, lease *sandbox.Lease) {
	ctx, cancel := context.WithDeadlineCause(ctx, run.Deadline, ErrDeadlineExceeded)
	defer cancel()
	ctx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-lease.Revoked():
			cancelCause(ErrContainerReplaced)
		case <-ctx.Done():
		}
	}()

	var g errgroup.Group
	for _, e := range run.Executions {
		g.Go(func() error {
			j.executeOne(ctx, run, lease, e)
			return nil
		})
	}
	_ = g.Wait()

	cancelCause(nil)
	<-watchDone
}

func (j *JobExecution) executeOne(ctx context.Context, run *Run, lease *sandbox.Lease, e *RunExecution) {
	ctx, span := j.tracer.StartSpan(ctx, "execution",
		monitor.AttrJobID.Int64(j.id),
		monitor.AttrExecutionID.Int64(e.ID),
		monitor.AttrTargetIP.String(e.Target.IP),
	)
	start := j.now()
	logger := j.log.With().Int64("execution_id", e.ID).Str("target", e.Target.IP).Logger()

	defer func() {
		span.SetAttributes(monitor.AttrStatus.String(string(e.Status)))
		span.End()
		j.metrics.RecordExecution(string(e.Status), j.now().Sub(start))
	}()

	stream, err := lease.Container.Exec(ctx, sandbox.ExecSpec{
		Command: run.Exploit.Command,
		WorkDir: j.opts.CodeRoot,
		Env: map[string]string{
			"TARGET_IP":    e.Target.IP,
			"TARGET_EXTRA": e.Target.Extra,
		},
	})
	if err != nil {
		j.interrupt(ctx, run, lease, e, err, logger)
		return
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			j.interrupt(ctx, run, lease, e, err, logger)
			return
		}
		data := string(chunk.Data)
		e.append(chunk.Stdout, data)
		j.emit(ctx, e.ID, chunk.Stdout, data, logger)
	}

	if !e.Status.Terminal() {
		e.Status = model.StatusFinished
	}
}

// interrupt ends an execution early. The cause decides the status; each
// case appends one diagnostic to stderr and forwards it as a stderr chunk.
func (j *JobExecution) interrupt(ctx context.Context, run *Run, lease *sandbox.Lease, e *RunExecution,
	err error, logger zerolog.Logger) {
	cause := context.Cause(ctx)

	var diag string
	switch {
	case lease.IsRevoked() || errors.Is(cause, ErrContainerReplaced):
		e.Status = model.StatusFailed
		diag = ReplacedMessage
		j.metrics.LeasesRevoked.Inc()
	case errors.Is(cause, ErrDeadlineExceeded) || !j.now().Before(run.Deadline):
		e.Status = model.StatusTimeout
		diag = TimeoutMessage
	case cause != nil:
		e.Status = model.StatusCancelled
		diag = CancelledMessage
	default:
		e.Status = model.StatusFailed
		diag = ExecErrorPrefix + err.Error()
	}
	logger.Warn().Err(err).Str("status", string(e.Status)).Msg("execution interrupted")

	e.append(false, diag)
	j.emit(ctx, e.ID, false, diag, logger)
}

// emit forwards a chunk that has already been read. It is detached from job
// cancellation and the deadline so that output in hand is never dropped.
func (j *JobExecution) emit(ctx context.Context, execID int64, stdout bool, data string, logger zerolog.Logger) {
	j.metrics.RecordOutput(stdout, len(data))
	if j.sink == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	err := j.sink.Send(sendCtx, model.OutputMessage{ExecutionID: execID, IsStdout: stdout, Chunk: data})
	if err != nil {
		logger.Warn().Err(err).Msg("output sink rejected chunk")
	}
}

// reconcile persists the final state. It runs detached from job
// cancellation so a cancelled job still records its results.
func (j *JobExecution) reconcile(ctx context.Context, run *Run) (model.Status, error) {
	results, status := run.results()
	if err := j.store.SaveResults(context.WithoutCancel(ctx), j.id, status, results); err != nil {
		j.metrics.PersistenceErrors.WithLabelValues("save_results").Inc()
		return status, &PersistenceError{JobID: j.id, Op: "save_results", Err: err}
	}
	return status, nil
}

// markCancelled records a job cancelled before it reached RUNNING.
func (j *JobExecution) markCancelled(ctx context.Context) error {
	diag := cancelDiagnostic(ctx)
	err := j.store.WithJob(context.WithoutCancel(ctx), j.id, func(job *model.Job) error {
		job.Status = model.StatusCancelled
		for i := range job.Executions {
			if !job.Executions[i].Status.Terminal() {
				job.Executions[i].Status = model.StatusCancelled
				job.Executions[i].Stderr = diag
			}
		}
		return nil
	})
	if err != nil {
		j.metrics.PersistenceErrors.WithLabelValues("mark_cancelled").Inc()
		return &PersistenceError{JobID: j.id, Op: "mark_cancelled", Err: err}
	}
	j.metrics.RecordJob(string(model.StatusCancelled), 0)
	j.log.Info().Msg("job cancelled before start")
	return nil
}

func stopped(ctx context.Context) bool {
	return context.Cause(ctx) != nil
}

func cancelDiagnostic(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), ErrShutdown) {
		return CancelledMessage + " executor shutting down"
	}
	return CancelledMessage
}
