package sandbox

import (
	"context"
	"sync"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"exploit-executor/internal/config"
	"exploit-executor/pkg/seccomp"
)

// ContainerdRuntime runs exploit containers directly on containerd (Linux).
type ContainerdRuntime struct {
	client      *Client
	hostNetwork bool
	seccomp     *specs.LinuxSeccomp
}

func NewContainerdRuntime(ctx context.Context, cfg config.SandboxConfig) (*ContainerdRuntime, error) {
	profile, err := seccomp.ByName(cfg.Seccomp)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(ctx, cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return nil, err
	}
	return &ContainerdRuntime{
		client:      client,
		hostNetwork: cfg.NetworkMode == "" || cfg.NetworkMode == "host",
		seccomp:     profile,
	}, nil
}

func (r *ContainerdRuntime) CreateOrReplace(ctx context.Context, spec ContainerSpec) (Container, error) {
	nsCtx := r.client.WithNamespace(ctx)

	existing, err := r.client.Raw().LoadContainer(nsCtx, spec.Name)
	switch {
	case err == nil:
		if err := r.removeExploitContainer(ctx, existing); err != nil {
			return nil, &OpError{Container: spec.Name, Op: "replace", Err: err}
		}
	case !errdefs.IsNotFound(err):
		return nil, &OpError{Container: spec.Name, Op: "load", Err: err}
	}

	image, err := r.client.EnsureImage(ctx, spec.Image)
	if err != nil {
		return nil, &OpError{Container: spec.Name, Op: "image", Err: err}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(spec.Command...),
		oci.WithHostname(spec.Name),
	}
	if r.hostNetwork {
		// Exploits talk to remote targets; containerd has no bridge network of its own.
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace), oci.WithHostResolvconf, oci.WithHostHostsFile)
	}
	if spec.Limits.PidsLimit > 0 {
		opts = append(opts, oci.WithPidsLimit(spec.Limits.PidsLimit))
	}
	if r.seccomp != nil {
		opts = append(opts, oci.WithNoNewPrivileges, withSeccomp(r.seccomp))
	}
	opts = append(opts, func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		ApplyResourceLimits(s, spec.Limits)
		for _, m := range spec.Mounts {
			options := []string{"rbind", "rw"}
			if m.ReadOnly {
				options = []string{"rbind", "ro"}
			}
			s.Mounts = append(s.Mounts, specs.Mount{
				Destination: m.Target,
				Type:        "bind",
				Source:      m.Source,
				Options:     options,
			})
		}
		return nil
	})

	c, err := r.client.Raw().NewContainer(nsCtx, spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, &OpError{Container: spec.Name, Op: "create", Err: err}
	}

	return &containerdContainer{runtime: r, inner: c}, nil
}

func (r *ContainerdRuntime) Close() error {
	return r.client.Close()
}

type containerdContainer struct {
	runtime *ContainerdRuntime
	inner   containerd.Container

	mu   sync.Mutex
	task containerd.Task
}

func (c *containerdContainer) ID() string   { return c.inner.ID() }
func (c *containerdContainer) Name() string { return c.inner.ID() }

func (c *containerdContainer) Start(ctx context.Context) error {
	nsCtx := c.runtime.client.WithNamespace(ctx)

	task, err := c.inner.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		return &OpError{Container: c.Name(), Op: "create_task", Err: err}
	}
	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(context.WithoutCancel(nsCtx), containerd.WithProcessKill)
		return &OpError{Container: c.Name(), Op: "start", Err: err}
	}

	c.mu.Lock()
	c.task = task
	c.mu.Unlock()
	return nil
}

func (c *containerdContainer) Exec(ctx context.Context, spec ExecSpec) (Stream, error) {
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()
	if task == nil {
		return nil, &OpError{Container: c.Name(), Op: "exec", Err: ErrNotStarted}
	}

	nsCtx := c.runtime.client.WithNamespace(ctx)

	containerSpec, err := c.inner.Spec(nsCtx)
	if err != nil {
		return nil, &OpError{Container: c.Name(), Op: "exec_spec", Err: err}
	}
	process := *containerSpec.Process
	process.Args = spec.Command
	process.Cwd = spec.WorkDir
	process.Terminal = false
	process.Env = append(append([]string{}, process.Env...), envList(spec.Env)...)

	// The process outlives the caller's context only until Close kills it.
	bg := context.WithoutCancel(nsCtx)
	execID := "exec-" + uuid.New().String()

	var proc containerd.Process
	stream := newChunkStream(func() error {
		if proc == nil {
			return nil
		}
		if err := proc.Kill(bg, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		return nil
	})

	proc, err = task.Exec(nsCtx, execID, &process,
		cio.NewCreator(cio.WithStreams(nil, stream.writer(true), stream.writer(false))),
	)
	if err != nil {
		return nil, &OpError{Container: c.Name(), Op: "exec_create", Err: err}
	}

	exitCh, err := proc.Wait(bg)
	if err != nil {
		_, _ = proc.Delete(bg)
		return nil, &OpError{Container: c.Name(), Op: "exec_wait", Err: err}
	}

	if err := proc.Start(nsCtx); err != nil {
		_, _ = proc.Delete(bg)
		return nil, &OpError{Container: c.Name(), Op: "exec_start", Err: err}
	}

	go func() {
		status := <-exitCh
		proc.IO().Wait()
		if _, err := proc.Delete(bg); err != nil && !errdefs.IsNotFound(err) {
			log.Debug().Err(err).Str("exec_id", execID).Msg("exec process delete failed")
		}

		var streamErr error
		if err := status.Error(); err != nil {
			streamErr = &OpError{Container: c.Name(), Op: "exec_stream", Err: err}
		}
		stream.finish(streamErr)
	}()

	return stream, nil
}

func (c *containerdContainer) Remove(ctx context.Context) error {
	if err := c.runtime.removeExploitContainer(ctx, c.inner); err != nil {
		return &OpError{Container: c.Name(), Op: "remove", Err: err}
	}
	return nil
}

func withSeccomp(profile *specs.LinuxSeccomp) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		s.Linux.Seccomp = profile
		return nil
	}
}
