package sandbox

import (
	"context"
	"fmt"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"exploit-executor/internal/config"
	"exploit-executor/pkg/seccomp"
)

// dockerAPI is the subset of the Docker Engine client used by DockerRuntime.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	Close() error
}

// DockerRuntime runs exploit containers through the Docker Engine API.
type DockerRuntime struct {
	client      dockerAPI
	networkMode string
	securityOpt []string
}

// NewDockerRuntime connects using the standard DOCKER_* environment unless
// cfg.DockerHost overrides the daemon address.
func NewDockerRuntime(ctx context.Context, cfg config.SandboxConfig) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	securityOpt, err := dockerSecurityOpt(cfg.Seccomp)
	if err != nil {
		return nil, err
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: %w", ErrDockerDown, err)
	}

	log.Info().Str("host", cli.DaemonHost()).Msg("connected to docker")

	return &DockerRuntime{client: cli, networkMode: cfg.NetworkMode, securityOpt: securityOpt}, nil
}

func dockerSecurityOpt(profile string) ([]string, error) {
	p, err := seccomp.ByName(profile)
	if err != nil || p == nil {
		return nil, err
	}
	opt, err := seccomp.DockerSecurityOpt(p)
	if err != nil {
		return nil, err
	}
	return []string{"no-new-privileges", opt}, nil
}

func (d *DockerRuntime) CreateOrReplace(ctx context.Context, spec ContainerSpec) (Container, error) {
	if err := d.client.ContainerRemove(ctx, spec.Name, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return nil, &OpError{Container: spec.Name, Op: "replace", Err: err}
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig(spec), d.hostConfig(spec), nil, nil, spec.Name)
	if err != nil {
		return nil, &OpError{Container: spec.Name, Op: "create", Err: err}
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("container", spec.Name).Msg(w)
	}

	return &dockerContainer{client: d.client, id: resp.ID, name: spec.Name}, nil
}

func containerConfig(spec ContainerSpec) *container.Config {
	return &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		AttachStdin:  false,
		AttachStdout: false,
		AttachStderr: false,
		Tty:          false,
		OpenStdin:    false,
		StopSignal:   "SIGKILL",
	}
}

func (d *DockerRuntime) hostConfig(spec ContainerSpec) *container.HostConfig {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return &container.HostConfig{
		Mounts:      mounts,
		Resources:   spec.Limits.dockerResources(),
		Tmpfs:       spec.Limits.dockerTmpfs(),
		NetworkMode: container.NetworkMode(d.networkMode),
		SecurityOpt: d.securityOpt,
	}
}

func (d *DockerRuntime) CleanupOrphaned(ctx context.Context, prefix string) (int, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range list {
		if !hasNamePrefix(c.Names, prefix) {
			continue
		}
		logger := log.With().Str("container_id", c.ID).Strs("names", c.Names).Logger()
		logger.Info().Msg("removing orphaned exploit container")

		if err := d.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("failed to remove orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// hasNamePrefix guards against the name filter matching substrings.
func hasNamePrefix(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(strings.TrimPrefix(n, "/"), prefix) {
			return true
		}
	}
	return false
}

func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

type dockerContainer struct {
	client dockerAPI
	id     string
	name   string
}

func (c *dockerContainer) ID() string   { return c.id }
func (c *dockerContainer) Name() string { return c.name }

func (c *dockerContainer) Start(ctx context.Context) error {
	if err := c.client.ContainerStart(ctx, c.id, container.StartOptions{}); err != nil {
		return &OpError{Container: c.name, Op: "start", Err: err}
	}
	return nil
}

func (c *dockerContainer) Exec(ctx context.Context, spec ExecSpec) (Stream, error) {
	created, err := c.client.ContainerExecCreate(ctx, c.id, container.ExecOptions{
		Cmd:          spec.Command,
		WorkingDir:   spec.WorkDir,
		Env:          envList(spec.Env),
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return nil, &OpError{Container: c.name, Op: "exec_create", Err: err}
	}

	hijacked, err := c.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: false})
	if err != nil {
		return nil, &OpError{Container: c.name, Op: "exec_attach", Err: err}
	}

	stream := newChunkStream(func() error {
		hijacked.Close()
		return nil
	})
	go func() {
		// StdCopy demultiplexes the attach stream, one Write per frame.
		_, err := stdcopy.StdCopy(stream.writer(true), stream.writer(false), hijacked.Reader)
		if err != nil {
			err = &OpError{Container: c.name, Op: "exec_stream", Err: err}
		}
		stream.finish(err)
	}()

	return stream, nil
}

func (c *dockerContainer) Remove(ctx context.Context) error {
	err := c.client.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return &OpError{Container: c.name, Op: "remove", Err: err}
	}
	return nil
}
