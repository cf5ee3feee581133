package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exploit-executor/internal/model"
	"exploit-executor/internal/sandbox"
	"exploit-executor/internal/sandbox/sandboxtest"
)

func TestRunDeadlinePassedMarksTimeout(t *testing.T) {
	job := newJob(1, "web", time.Now().Add(-time.Second), "10.0.0.1", "10.0.0.2")
	h := newHarness(t, staticReadiness{"web": readyExploit("web")}, job)

	require.NoError(t, h.run(t, 1))

	got := h.store.job(1)
	assert.Equal(t, model.StatusTimeout, got.Status)
	for _, e := range got.Executions {
		assert.Equal(t, model.StatusTimeout, e.Status)
		assert.Equal(t, TimeoutMessage, e.Stderr)
	}
	assert.Empty(t, h.rt.Specs, "no container may be provisioned")
	assert.Zero(t, h.store.saveCount())
}

func TestRunBuildNotReadyFailsEveryExecution(t *testing.T) {
	exploit := &model.Exploit{ID: "web", Status: model.BuildFailed, BuildOutput: "SyntaxError: invalid syntax"}
	job := newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1", "10.0.0.2")
	h := newHarness(t, staticReadiness{"web": exploit}, job)

	require.NoError(t, h.run(t, 1))

	got := h.store.job(1)
	assert.Equal(t, model.StatusFailed, got.Status)
	for _, e := range got.Executions {
		assert.Equal(t, model.StatusFailed, e.Status)
		assert.Equal(t, "SyntaxError: invalid syntax", e.Stderr)
	}
	assert.Empty(t, h.rt.Specs)
}

func TestRunStillBuildingUsesStatusDiagnostic(t *testing.T) {
	exploit := &model.Exploit{ID: "web", Status: model.BuildBuilding}
	h := newHarness(t, staticReadiness{"web": exploit}, newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1"))

	require.NoError(t, h.run(t, 1))

	got := h.store.job(1)
	assert.Equal(t, model.StatusFailed, got.Executions[0].Status)
	assert.Contains(t, got.Executions[0].Stderr, "BUILDING")
}

func TestRunStreamsChunksInOrder(t *testing.T) {
	h := newHarness(t, staticReadiness{"web": readyExploit("web")},
		newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1"))
	h.rt.ExecFunc = func(context.Context, sandbox.ExecSpec) (sandbox.Stream, error) {
		return &sandboxtest.Stream{Steps: []sandboxtest.Step{
			sandboxtest.Stdout("A"),
			sandboxtest.Stderr("B"),
			sandboxtest.Stdout("C"),
		}}, nil
	}

	require.NoError(t, h.run(t, 1))

	assert.Equal(t, []model.OutputMessage{
		{ExecutionID: 10, IsStdout: true, Chunk: "A"},
		{ExecutionID: 10, IsStdout: false, Chunk: "B"},
		{ExecutionID: 10, IsStdout: true, Chunk: "C"},
	}, h.sink.forExecution(10))

	got := h.store.job(1)
	assert.Equal(t, model.StatusFinished, got.Status)
	assert.Equal(t, model.StatusFinished, got.Executions[0].Status)
	assert.Equal(t, "AC", got.Executions[0].Stdout)
	assert.Equal(t, "B", got.Executions[0].Stderr)
}

func TestRunProvisionsExploitContainer(t *testing.T) {
	h := newHarness(t, staticReadiness{"web": readyExploit("web")},
		newJob(1, "web", time.Now().Add(time.Minute+500*time.Millisecond), "10.0.0.1"))

	require.NoError(t, h.run(t, 1))

	require.Len(t, h.rt.Specs, 1)
	spec := h.rt.Specs[0]
	assert.Equal(t, "ataka-exploit-web", spec.Name)
	assert.Equal(t, "sha256:web", spec.Image)
	require.Len(t, spec.Command, 2)
	assert.Equal(t, "sleep", spec.Command[0])
	assert.Contains(t, []string{"59", "60"}, spec.Command[1])
	assert.Equal(t, []sandbox.Mount{{Source: "/srv/ataka/persist/web", Target: "/persist"}}, spec.Mounts)

	_, err := os.Stat(filepath.Join(h.engine.opts.PersistRoot, "web"))
	require.NoError(t, err, "persist directory must be created")

	require.Len(t, h.rt.Execs, 1)
	exec := h.rt.Execs[0]
	assert.Equal(t, []string{"python3", "exploit.py"}, exec.Command)
	assert.Equal(t, "/exploit", exec.WorkDir)
	assert.Equal(t, map[string]string{"TARGET_IP": "10.0.0.1", "TARGET_EXTRA": "team-10.0.0.1"}, exec.Env)

	_, live := h.rt.Live("ataka-exploit-web")
	assert.False(t, live, "container is removed once the job is done")
}

func TestRunRuntimeErrorIsScopedToOneExecution(t *testing.T) {
	h := newHarness(t, staticReadiness{"web": readyExploit("web")},
		newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1", "10.0.0.2"))
	h.rt.ExecFunc = func(_ context.Context, spec sandbox.ExecSpec) (sandbox.Stream, error) {
		if spec.Env["TARGET_IP"] == "10.0.0.1" {
			return &sandboxtest.Stream{Steps: []sandboxtest.Step{
				sandboxtest.Stdout("partial"),
				sandboxtest.Fail(errors.New("connection reset by peer")),
			}}, nil
		}
		return &sandboxtest.Stream{Steps: []sandboxtest.Step{sandboxtest.Stdout("flag{ok}")}}, nil
	}

	require.NoError(t, h.run(t, 1))

	got := h.store.job(1)
	assert.Equal(t, model.StatusFailed, got.Status)

	failed, passed := got.Executions[0], got.Executions[1]
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Equal(t, "partial", failed.Stdout)
	assert.Equal(t, ExecErrorPrefix+"connection reset by peer", failed.Stderr)
	assert.Equal(t, model.StatusFinished, passed.Status)
	assert.Equal(t, "flag{ok}", passed.Stdout)

	msgs := h.sink.forExecution(10)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.OutputMessage{ExecutionID: 10, IsStdout: false, Chunk: ExecErrorPrefix + "connection reset by peer"}, msgs[1])
}

func TestRunExecCreateErrorFailsExecution(t *testing.T) {
	h := newHarness(t, staticReadiness{"web": readyExploit("web")},
		newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1"))
	h.rt.ExecFunc = func(context.Context, sandbox.ExecSpec) (sandbox.Stream, error) {
		return nil, errors.New("no such container")
	}

	require.NoError(t, h.run(t, 1))

	got := h.store.job(1)
	assert.Equal(t, model.StatusFailed, got.Executions[0].Status)
	assert.Equal(t, ExecErrorPrefix+"no such container", got.Executions[0].Stderr)
}

func TestRunProvisionFailurePersistsAndReturnsError(t *testing.T) {
	h := newHarness(t, staticReadiness{"web": readyExploit("web")},
		newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1", "10.0.0.2"))
	h.rt.CreateErr = errors.New("image not found")

	err := h.run(t, 1)

	var provErr *ProvisionError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "ataka-exploit-web", provErr.Container)

	got := h.store.job(1)
	assert.Equal(t, model.StatusFailed, got.Status)
	for _, e := range got.Executions {
		assert.Equal(t, model.StatusFailed, e.Status)
		assert.Contains(t, e.Stderr, "image not found")
	}
	assert.Zero(t, h.rt.ExecCount())
}

func TestRunRejectsEscapingPersistKey(t *testing.T) {
	exploit := readyExploit("web")
	exploit.PersistKey = "../etc"
	h := newHarness(t, staticReadiness{"web": exploit}, newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1"))

	var provErr *ProvisionError
	require.ErrorAs(t, h.run(t, 1), &provErr)
	assert.Empty(t, h.rt.Specs)
}

func TestRunDeadlineDuringExecutionMarksTimeout(t *testing.T) {
	h := newHarness(t, staticReadiness{"web": readyExploit("web")},
		newJob(1, "web", time.Now().Add(200*time.Millisecond), "10.0.0.1"))
	h.rt.ExecFunc = func(context.Context, sandbox.ExecSpec) (sandbox.Stream, error) {
		return &sandboxtest.Stream{Steps: []sandboxtest.Step{sandboxtest.Stdout("working")}, Block: true}, nil
	}

	require.NoError(t, h.run(t, 1))

	got := h.store.job(1)
	e := got.Executions[0]
	assert.Equal(t, model.StatusTimeout, e.Status)
	assert.Equal(t, "working", e.Stdout)
	assert.Equal(t, TimeoutMessage, e.Stderr)
	// TIMEOUT executions do not fail the job.
	assert.Equal(t, model.StatusFinished, got.Status)
}

func TestRunSameExploitReplacesContainer(t *testing.T) {
	h := newHarness(t, staticReadiness{"web": readyExploit("web")},
		newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1"),
		newJob(2, "web", time.Now().Add(time.Minute), "10.0.0.2"))
	h.rt.ExecFunc = func(_ context.Context, spec sandbox.ExecSpec) (sandbox.Stream, error) {
		if spec.Env["TARGET_IP"] == "10.0.0.1" {
			return &sandboxtest.Stream{Block: true}, nil
		}
		return &sandboxtest.Stream{Steps: []sandboxtest.Step{sandboxtest.Stdout("second")}}, nil
	}

	var (
		wg   sync.WaitGroup
		err1 error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		err1 = h.run(t, 1)
	}()
	require.Eventually(t, func() bool { return h.rt.ExecCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.run(t, 2))
	wg.Wait()
	require.NoError(t, err1)

	assert.Equal(t, []string{"c1"}, h.rt.Replaced, "first container replaced by the second")

	first := h.store.job(1)
	assert.Equal(t, model.StatusFailed, first.Status)
	assert.Equal(t, ReplacedMessage, first.Executions[0].Stderr)

	second := h.store.job(2)
	assert.Equal(t, model.StatusFinished, second.Status)
	assert.Equal(t, "second", second.Executions[0].Stdout)
}

func TestRunFailedReprovisionLeavesRunningJobAlone(t *testing.T) {
	h := newHarness(t, staticReadiness{"web": readyExploit("web")},
		newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1"),
		newJob(2, "web", time.Now().Add(time.Minute), "10.0.0.2"))
	h.rt.ExecFunc = func(context.Context, sandbox.ExecSpec) (sandbox.Stream, error) {
		return &sandboxtest.Stream{Steps: []sandboxtest.Step{sandboxtest.Stdout("flag{1}")}, Block: true}, nil
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	done := make(chan error, 1)
	go func() { done <- h.engine.NewJob(1).Run(ctx) }()
	require.Eventually(t, func() bool { return h.rt.ExecCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	h.rt.CreateErr = &sandbox.OpError{Container: "ataka-exploit-web", Op: "replace", Err: errors.New("daemon busy")}
	var provErr *ProvisionError
	require.ErrorAs(t, h.run(t, 2), &provErr)
	assert.Equal(t, model.StatusFailed, h.store.job(2).Status)

	// Job 1 keeps its container until it is cancelled.
	cancel(ErrJobCancelled)
	require.NoError(t, <-done)

	first := h.store.job(1)
	assert.Equal(t, model.StatusCancelled, first.Status)
	assert.Equal(t, "flag{1}", first.Executions[0].Stdout)
	assert.Equal(t, CancelledMessage, first.Executions[0].Stderr)
	assert.Equal(t, []string{"c1"}, h.rt.Removed)
	assert.Empty(t, h.rt.Replaced)
}

// cancellingStream ends the job while handing out its only chunk.
type cancellingStream struct {
	cancel context.CancelCauseFunc
	sent   bool
}

func (s *cancellingStream) Next(ctx context.Context) (sandbox.Chunk, error) {
	if !s.sent {
		s.sent = true
		s.cancel(ErrJobCancelled)
		return sandbox.Chunk{Stdout: true, Data: []byte("flag{x}")}, nil
	}
	<-ctx.Done()
	return sandbox.Chunk{}, context.Cause(ctx)
}

func (s *cancellingStream) Close() error { return nil }

// strictSink refuses chunks sent with an ended context.
type strictSink struct {
	recordingSink
}

func (s *strictSink) Send(ctx context.Context, msg model.OutputMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.recordingSink.Send(ctx, msg)
}

func TestRunForwardsChunkReadWhenCancelled(t *testing.T) {
	h := newHarness(t, staticReadiness{"web": readyExploit("web")},
		newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1"))
	sink := &strictSink{}
	h.engine.sink = sink

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	h.rt.ExecFunc = func(context.Context, sandbox.ExecSpec) (sandbox.Stream, error) {
		return &cancellingStream{cancel: cancel}, nil
	}

	require.NoError(t, h.engine.NewJob(1).Run(ctx))

	got := h.store.job(1)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, "flag{x}", got.Executions[0].Stdout)

	msgs := sink.forExecution(10)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.OutputMessage{ExecutionID: 10, IsStdout: true, Chunk: "flag{x}"}, msgs[0])
	assert.Equal(t, model.OutputMessage{ExecutionID: 10, IsStdout: false, Chunk: CancelledMessage}, msgs[1])
}

func TestRunCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, staticReadiness{"web": readyExploit("web")},
		newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1"))

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrJobCancelled)
	require.NoError(t, h.engine.NewJob(1).Run(ctx))

	got := h.store.job(1)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, model.StatusCancelled, got.Executions[0].Status)
	assert.Empty(t, h.rt.Specs)
}

func TestRunLoadFailureIsPersistenceError(t *testing.T) {
	h := newHarness(t, staticReadiness{"web": readyExploit("web")},
		newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1"))
	h.store.loadErr = errors.New("connection refused")

	err := h.run(t, 1)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "load", perr.Op)
	assert.Empty(t, h.rt.Specs)
}

func TestRunSaveFailureIsPersistenceError(t *testing.T) {
	h := newHarness(t, staticReadiness{"web": readyExploit("web")},
		newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1"))
	h.store.saveErr = errors.New("disk full")

	err := h.run(t, 1)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save_results", perr.Op)
}

func TestReconcileIsIdempotent(t *testing.T) {
	job := newJob(1, "web", time.Now().Add(time.Minute), "10.0.0.1", "10.0.0.2")
	h := newHarness(t, staticReadiness{"web": readyExploit("web")}, job)

	run := newRun(job, readyExploit("web"))
	run.Executions[0].Status = model.StatusFinished
	run.Executions[0].append(true, "flag{1}")
	run.Executions[1].Status = model.StatusFailed
	run.Executions[1].append(false, "boom")

	je := h.engine.NewJob(1).(*JobExecution)
	status, err := je.reconcile(context.Background(), run)
	require.NoError(t, err)
	first := h.store.job(1)

	status2, err := je.reconcile(context.Background(), run)
	require.NoError(t, err)
	second := h.store.job(1)

	assert.Equal(t, model.StatusFailed, status)
	assert.Equal(t, status, status2)
	assert.Equal(t, first, second)
	assert.Equal(t, "flag{1}", second.Executions[0].Stdout)
}
