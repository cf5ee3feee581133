package sandbox

import (
	"fmt"

	"github.com/docker/docker/api/types/container"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"exploit-executor/internal/config"
)

type ResourceLimits struct {
	CPUShares int64 // 1024 = 1 CPU core
	MemoryMB  int64 // Hard memory limit
	PidsLimit int64 // Max processes across all executions of the exploit
	DiskMB    int64 // Tmpfs size for /tmp
}

func LimitsFromConfig(l config.Limits) ResourceLimits {
	return ResourceLimits{
		CPUShares: l.CPUShares,
		MemoryMB:  l.MemoryMB,
		PidsLimit: l.PidsLimit,
		DiskMB:    l.DiskMB,
	}
}

// DefaultLimits sizes one exploit container, which hosts one exec per target.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 2048,
		MemoryMB:  2048,
		PidsLimit: 1024,
		DiskMB:    512,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUShares < 2 || rl.CPUShares > 65536 {
		return fmt.Errorf("%w: cpu_shares must be 2-65536, got %d", ErrInvalidSpec, rl.CPUShares)
	}
	if rl.MemoryMB < 16 || rl.MemoryMB > 65536 {
		return fmt.Errorf("%w: memory_mb must be 16-65536, got %d", ErrInvalidSpec, rl.MemoryMB)
	}
	if rl.PidsLimit < 5 || rl.PidsLimit > 32768 {
		return fmt.Errorf("%w: pids_limit must be 5-32768, got %d", ErrInvalidSpec, rl.PidsLimit)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 10240 {
		return fmt.Errorf("%w: disk_mb must be 1-10240, got %d", ErrInvalidSpec, rl.DiskMB)
	}
	return nil
}

// dockerResources converts the limits for the Docker Engine API. Zero limits
// mean unrestricted.
func (rl ResourceLimits) dockerResources() container.Resources {
	if rl == (ResourceLimits{}) {
		return container.Resources{}
	}
	memoryBytes := rl.MemoryMB * 1024 * 1024
	pids := rl.PidsLimit
	return container.Resources{
		NanoCPUs:   rl.CPUShares * 1e9 / 1024,
		Memory:     memoryBytes,
		MemorySwap: memoryBytes,
		PidsLimit:  &pids,
	}
}

func (rl ResourceLimits) dockerTmpfs() map[string]string {
	if rl.DiskMB == 0 {
		return nil
	}
	return map[string]string{"/tmp": fmt.Sprintf("rw,nosuid,nodev,size=%dm", rl.DiskMB)}
}

// ApplyResourceLimits sets CPU, memory and /tmp limits on an OCI spec. The
// pids cgroup is set separately through oci.WithPidsLimit.
func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if limits == (ResourceLimits{}) {
		return
	}
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	// CFS quota gives a hard cap; period=100ms, quota = (CPUShares/1024) * period.
	period := uint64(100000)
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000
	}

	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	tmpfsBytes := limits.DiskMB * 1024 * 1024
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
