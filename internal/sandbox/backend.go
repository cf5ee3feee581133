package sandbox

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog/log"

	"exploit-executor/internal/config"
)

// Mount binds a host directory into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes the long-lived container an exploit's executions run in.
type ContainerSpec struct {
	Name    string
	Image   string
	Command []string
	Mounts  []Mount
	Limits  ResourceLimits
}

func (s ContainerSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidSpec)
	}
	if s.Image == "" {
		return fmt.Errorf("%w: image is empty", ErrInvalidSpec)
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("%w: command is empty", ErrInvalidSpec)
	}
	if s.Limits != (ResourceLimits{}) {
		return s.Limits.Validate()
	}
	return nil
}

// ExecSpec describes one process started inside a running container.
type ExecSpec struct {
	Command []string
	WorkDir string
	Env     map[string]string
}

// Runtime creates exploit containers.
type Runtime interface {
	// CreateOrReplace creates the named container, force-removing any
	// existing container with the same name first. Failures are *OpError;
	// ops other than "image" and "create" leave the existing container alone.
	CreateOrReplace(ctx context.Context, spec ContainerSpec) (Container, error)
	// CleanupOrphaned removes every container whose name starts with prefix.
	CleanupOrphaned(ctx context.Context, prefix string) (int, error)
	Close() error
}

// Container is a created exploit container.
type Container interface {
	ID() string
	Name() string
	Start(ctx context.Context) error
	Exec(ctx context.Context, spec ExecSpec) (Stream, error)
	// Remove kills and deletes this container instance. Removing a container
	// that no longer exists is not an error.
	Remove(ctx context.Context) error
}

// NewBackend picks the configured runtime. "auto" prefers containerd on Linux
// when its socket exists and falls back to the Docker Engine API.
func NewBackend(ctx context.Context, cfg config.SandboxConfig) (Runtime, error) {
	preference := cfg.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		return NewContainerdRuntime(ctx, cfg)
	case "docker":
		return NewDockerRuntime(ctx, cfg)
	case "auto":
		if runtime.GOOS == "linux" {
			if _, err := os.Stat(cfg.ContainerdSocket); err == nil {
				backend, err := NewContainerdRuntime(ctx, cfg)
				if err == nil {
					log.Info().Msg("using containerd backend")
					return backend, nil
				}
				log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
			}
		}

		backend, err := NewDockerRuntime(ctx, cfg)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}

		return nil, fmt.Errorf("no container backend available: %w", err)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}
