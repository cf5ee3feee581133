package sandbox

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	removeTimeout = 30 * time.Second
	// killGrace is how long a killed exploit task gets to report its exit.
	killGrace = 5 * time.Second
)

// removeExploitContainer kills whatever the exploit container still runs and
// deletes it along with its snapshot. A container that is already gone is not
// an error.
func (r *ContainerdRuntime) removeExploitContainer(ctx context.Context, c containerd.Container) error {
	if c == nil {
		return nil
	}
	name := c.ID()
	logger := log.With().Str("container", name).Logger()

	ctx, cancel := context.WithTimeout(r.client.WithNamespace(ctx), removeTimeout)
	defer cancel()

	if err := stopExploitTask(ctx, c, logger); err != nil {
		logger.Warn().Err(err).Msg("exploit task did not stop cleanly")
	}
	if err := ignoreNotFound(c.Delete(ctx, containerd.WithSnapshotCleanup)); err != nil {
		return fmt.Errorf("deleting exploit container %s: %w", name, err)
	}
	logger.Debug().Msg("exploit container removed")
	return nil
}

// stopExploitTask SIGKILLs every process of the container's task and deletes
// the task. Containers without a task are left as they are.
func stopExploitTask(ctx context.Context, c containerd.Container, logger zerolog.Logger) error {
	task, err := c.Task(ctx, nil)
	if err != nil {
		return ignoreNotFound(err)
	}

	status, err := task.Status(ctx)
	if err == nil && status.Status != containerd.Stopped {
		waitCtx, cancel := context.WithTimeout(ctx, killGrace)
		defer cancel()
		exited, waitErr := task.Wait(waitCtx)

		logger.Debug().Str("task_status", string(status.Status)).Msg("killing exploit task")
		if err := task.Kill(ctx, syscall.SIGKILL, containerd.WithKillAll); ignoreNotFound(err) != nil {
			logger.Warn().Err(err).Msg("killing exploit task")
		}
		if waitErr == nil {
			select {
			case <-exited:
			case <-waitCtx.Done():
				logger.Warn().Dur("grace", killGrace).Msg("exploit task still running after kill")
			}
		}
	}

	_, err = task.Delete(ctx, containerd.WithProcessKill)
	return ignoreNotFound(err)
}

func ignoreNotFound(err error) error {
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// CleanupOrphaned removes exploit containers left over from a previous
// executor process. Containerd container ids are the exploit container names.
func (r *ContainerdRuntime) CleanupOrphaned(ctx context.Context, prefix string) (int, error) {
	list, err := r.client.Raw().Containers(r.client.WithNamespace(ctx))
	if err != nil {
		return 0, fmt.Errorf("listing exploit containers: %w", err)
	}

	var removed int
	for _, c := range list {
		name := c.ID()
		if !hasNamePrefix([]string{name}, prefix) {
			continue
		}
		logger := log.With().Str("container", name).Logger()
		logger.Info().Msg("removing orphaned exploit container")

		if err := r.removeExploitContainer(ctx, c); err != nil {
			logger.Error().Err(err).Msg("failed to remove orphaned exploit container")
			continue
		}
		removed++
	}
	return removed, nil
}
