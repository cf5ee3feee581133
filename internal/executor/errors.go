package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrDeadlineExceeded means the job's deadline had passed. At load time
	// the whole job is marked TIMEOUT; during execution it is the cause of
	// the execution context.
	ErrDeadlineExceeded = errors.New("job deadline exceeded")
	// ErrBuildNotReady means the exploit artifact is not runnable.
	ErrBuildNotReady = errors.New("exploit build not ready")
	// ErrJobCancelled is the cancellation cause of a CANCEL command.
	ErrJobCancelled = errors.New("job cancelled")
	// ErrShutdown is the cancellation cause used when the executor stops.
	ErrShutdown = errors.New("executor shutting down")
	// ErrContainerReplaced means a newer job of the same exploit took over
	// the container.
	ErrContainerReplaced = errors.New("exploit container replaced by a newer job")
)

// ProvisionError is returned when the exploit container could not be created
// or started. Every execution of the job has been persisted as FAILED.
type ProvisionError struct {
	JobID     int64
	Container string
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("job %d: provisioning container %s: %v", e.JobID, e.Container, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// PersistenceError is a store failure. Nothing of the failed phase was written.
type PersistenceError struct {
	JobID int64
	Op    string // load, save_results, mark_cancelled
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("job %d: %s: %v", e.JobID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
