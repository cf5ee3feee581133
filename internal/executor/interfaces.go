package executor

import (
	"context"

	"exploit-executor/internal/model"
	"exploit-executor/internal/sandbox"
)

// Store is the persistent job store.
type Store interface {
	// WithJob loads the job and its executions, applies fn and writes the
	// job status and every execution's status and output back atomically.
	// Nothing is written if fn or the transaction fails.
	WithJob(ctx context.Context, jobID int64, fn func(*model.Job) error) error
	// SaveResults writes final results. It must be safe to repeat.
	SaveResults(ctx context.Context, jobID int64, status model.Status, results []model.ExecutionResult) error
}

// Readiness reports the build state of an exploit.
type Readiness interface {
	EnsureExploit(ctx context.Context, exploitID string) (*model.Exploit, error)
}

// Sink receives live output chunks. Chunks of one execution are sent in
// order from a single goroutine.
type Sink interface {
	Send(ctx context.Context, msg model.OutputMessage) error
}

// CommandSource yields job commands in order.
type CommandSource interface {
	Next(ctx context.Context) (model.Command, error)
}

// Provisioner creates-or-replaces, starts and leases an exploit container.
type Provisioner interface {
	Provision(ctx context.Context, spec sandbox.ContainerSpec) (*sandbox.Lease, error)
}
