package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state shared by jobs and executions.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusFinished  Status = "FINISHED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusQueued || s == StatusRunning || s.Terminal()
}

// BuildStatus is owned by the exploit builder; only FINISHED means runnable.
type BuildStatus string

const (
	BuildQueued   BuildStatus = "QUEUED"
	BuildBuilding BuildStatus = "BUILDING"
	BuildFinished BuildStatus = "FINISHED"
	BuildFailed   BuildStatus = "FAILED"
)

type Target struct {
	ID    int64  `json:"id"`
	IP    string `json:"ip"`
	Extra string `json:"extra"`
}

// Exploit is the artifact descriptor returned by the readiness provider.
type Exploit struct {
	ID          string      `json:"id"`
	Status      BuildStatus `json:"status"`
	ImageRef    string      `json:"image_ref"`
	Command     []string    `json:"command"`
	PersistKey  string      `json:"persist_key"`
	BuildOutput string      `json:"build_output"`
}

// Ready reports whether the exploit can be run.
func (e Exploit) Ready() bool {
	return e.Status == BuildFinished
}

type Job struct {
	ID         int64       `json:"id"`
	ExploitID  string      `json:"exploit_id"`
	Deadline   time.Time   `json:"deadline"`
	Status     Status      `json:"status"`
	Executions []Execution `json:"executions"`
}

type Execution struct {
	ID     int64  `json:"id"`
	JobID  int64  `json:"job_id"`
	Target Target `json:"target"`
	Status Status `json:"status"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// SetAll moves the job and every execution to status, replacing stderr when
// stderr is non-empty.
func (j *Job) SetAll(status Status, stderr string) {
	j.Status = status
	for i := range j.Executions {
		j.Executions[i].Status = status
		if stderr != "" {
			j.Executions[i].Stderr = stderr
		}
	}
}

// ExecutionResult is the final state of one execution written at reconciliation.
type ExecutionResult struct {
	ExecutionID int64
	Status      Status
	Stdout      string
	Stderr      string
}

type Action string

const (
	ActionQueue  Action = "QUEUE"
	ActionCancel Action = "CANCEL"
)

// Command is one message of the job command stream.
type Command struct {
	Action Action `json:"action"`
	JobID  int64  `json:"job_id"`
}

func (c Command) Validate() error {
	switch c.Action {
	case ActionQueue, ActionCancel:
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
	if c.JobID <= 0 {
		return fmt.Errorf("invalid job id %d", c.JobID)
	}
	return nil
}

// OutputMessage is one chunk of execution output sent downstream.
type OutputMessage struct {
	ExecutionID int64  `json:"execution_id"`
	IsStdout    bool   `json:"is_stdout"`
	Chunk       string `json:"chunk"`
}

func (m OutputMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
