// Package seccomp builds syscall filters for exploit containers.
package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Profile names accepted in configuration.
const (
	RuntimeDefault = ""
	Restricted     = "restricted"
)

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) Allow(names ...string) *ProfileBuilder {
	return b.rule(specs.ActAllow, names)
}

func (b *ProfileBuilder) Deny(names ...string) *ProfileBuilder {
	return b.rule(specs.ActErrno, names)
}

// Kill terminates the calling process instead of returning an error.
func (b *ProfileBuilder) Kill(names ...string) *ProfileBuilder {
	return b.rule(specs.ActKillProcess, names)
}

func (b *ProfileBuilder) rule(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// ByName resolves a configured profile name. RuntimeDefault yields nil,
// leaving the container runtime's own profile in place.
func ByName(name string) (*specs.LinuxSeccomp, error) {
	switch name {
	case RuntimeDefault:
		return nil, nil
	case Restricted:
		return ExploitProfile(), nil
	default:
		return nil, fmt.Errorf("unknown seccomp profile %q", name)
	}
}

// DockerSecurityOpt renders p in the form the Docker Engine API accepts in
// HostConfig.SecurityOpt.
func DockerSecurityOpt(p *specs.LinuxSeccomp) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding seccomp profile: %w", err)
	}
	return "seccomp=" + string(b), nil
}
