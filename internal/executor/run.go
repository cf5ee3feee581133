package executor

import (
	"strings"
	"time"

	"exploit-executor/internal/model"
)

// Run is the snapshot of a job taken when it moved to RUNNING. After that
// point nothing is read back from the store.
type Run struct {
	JobID      int64
	Exploit    model.Exploit
	Deadline   time.Time
	Executions []*RunExecution
}

// RunExecution is the in-memory state of one target execution. It is owned
// by a single goroutine from exec to the end of its stream.
type RunExecution struct {
	ID     int64
	Target model.Target
	Status model.Status

	stdout strings.Builder
	stderr strings.Builder
}

func newRun(job *model.Job, exploit *model.Exploit) *Run {
	run := &Run{
		JobID:      job.ID,
		Exploit:    *exploit,
		Deadline:   job.Deadline,
		Executions: make([]*RunExecution, 0, len(job.Executions)),
	}
	for _, e := range job.Executions {
		run.Executions = append(run.Executions, &RunExecution{ID: e.ID, Target: e.Target, Status: e.Status})
	}
	return run
}

func (e *RunExecution) append(stdout bool, data string) {
	if stdout {
		e.stdout.WriteString(data)
		return
	}
	e.stderr.WriteString(data)
}

func (e *RunExecution) Stdout() string { return e.stdout.String() }
func (e *RunExecution) Stderr() string { return e.stderr.String() }

func (e *RunExecution) Result() model.ExecutionResult {
	return model.ExecutionResult{
		ExecutionID: e.ID,
		Status:      e.Status,
		Stdout:      e.stdout.String(),
		Stderr:      e.stderr.String(),
	}
}

// setAll moves every execution to status, replacing stderr with diag.
func (r *Run) setAll(status model.Status, diag string) {
	for _, e := range r.Executions {
		e.Status = status
		e.stderr.Reset()
		e.stderr.WriteString(diag)
	}
}

func (r *Run) results() ([]model.ExecutionResult, model.Status) {
	results := make([]model.ExecutionResult, 0, len(r.Executions))
	statuses := make([]model.Status, 0, len(r.Executions))
	for _, e := range r.Executions {
		results = append(results, e.Result())
		statuses = append(statuses, e.Status)
	}
	return results, AggregateStatus(statuses)
}
