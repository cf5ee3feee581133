package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrContainerdDown = errors.New("containerd unavailable")
	ErrDockerDown     = errors.New("docker daemon unavailable")
	ErrInvalidSpec    = errors.New("invalid container spec")
	ErrNotStarted     = errors.New("container not started")
	ErrStreamClosed   = errors.New("output stream closed")
)

// OpError wraps a container runtime failure with the container and operation involved.
type OpError struct {
	Container string
	Op        string // create, start, exec, remove, ...
	Err       error
}

func (e *OpError) Error() string {
	if e.Container != "" {
		return fmt.Sprintf("container %s: %s: %s", e.Container, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
