package sandbox

import (
	"errors"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"exploit-executor/internal/config"
)

func TestDefaultLimitsValid(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v, want nil", err)
	}
}

func TestValidate_Ceilings(t *testing.T) {
	tests := []struct {
		name   string
		limits ResourceLimits
	}{
		{"cpu under", ResourceLimits{CPUShares: 1, MemoryMB: 256, PidsLimit: 50, DiskMB: 100}},
		{"memory under", ResourceLimits{CPUShares: 512, MemoryMB: 8, PidsLimit: 50, DiskMB: 100}},
		{"pids over", ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 40000, DiskMB: 100}},
		{"disk zero", ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 50, DiskMB: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("error %v does not wrap ErrInvalidSpec", err)
			}
		})
	}
}

func TestDockerResources(t *testing.T) {
	res := ResourceLimits{CPUShares: 1024, MemoryMB: 512, PidsLimit: 64, DiskMB: 10}.dockerResources()
	if res.NanoCPUs != 1e9 {
		t.Errorf("NanoCPUs = %d, want 1e9", res.NanoCPUs)
	}
	if res.Memory != 512*1024*1024 || res.MemorySwap != res.Memory {
		t.Errorf("Memory = %d, MemorySwap = %d", res.Memory, res.MemorySwap)
	}
	if res.PidsLimit == nil || *res.PidsLimit != 64 {
		t.Errorf("PidsLimit = %v, want 64", res.PidsLimit)
	}

	if empty := (ResourceLimits{}).dockerResources(); empty.Memory != 0 || empty.PidsLimit != nil {
		t.Errorf("zero limits should be unrestricted, got %+v", empty)
	}
}

func TestApplyResourceLimits(t *testing.T) {
	spec := &specs.Spec{Process: &specs.Process{}}
	ApplyResourceLimits(spec, ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 50, DiskMB: 100})

	if spec.Linux == nil || spec.Linux.Resources == nil {
		t.Fatal("expected linux resources to be set")
	}
	if got := *spec.Linux.Resources.CPU.Quota; got != 50000 {
		t.Errorf("CPU quota = %d, want 50000", got)
	}
	if got := *spec.Linux.Resources.Memory.Limit; got != 256*1024*1024 {
		t.Errorf("Memory limit = %d, want %d", got, 256*1024*1024)
	}

	ApplyResourceLimits(spec, ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 50, DiskMB: 100})
	var tmpMounts int
	for _, m := range spec.Mounts {
		if m.Destination == "/tmp" {
			tmpMounts++
		}
	}
	if tmpMounts != 1 {
		t.Errorf("expected a single /tmp mount, got %d", tmpMounts)
	}
}

func TestLimitsFromConfig(t *testing.T) {
	got := LimitsFromConfig(config.Limits{CPUShares: 1024, MemoryMB: 512, PidsLimit: 64, DiskMB: 10})
	want := ResourceLimits{CPUShares: 1024, MemoryMB: 512, PidsLimit: 64, DiskMB: 10}
	if got != want {
		t.Errorf("LimitsFromConfig() = %+v, want %+v", got, want)
	}
}
