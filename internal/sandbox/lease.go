package sandbox

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Lease is the ownership token for one named container slot. A slot holds at
// most one lease; provisioning the same name again revokes the previous one.
type Lease struct {
	Token     string
	Container Container

	slot    *slot
	revoked chan struct{}
	once    sync.Once
}

// Revoked is closed once another provisioning call removed this lease's container.
func (l *Lease) Revoked() <-chan struct{} {
	return l.revoked
}

// IsRevoked reports whether the lease has been revoked.
func (l *Lease) IsRevoked() bool {
	select {
	case <-l.revoked:
		return true
	default:
		return false
	}
}

func (l *Lease) revoke() {
	l.once.Do(func() { close(l.revoked) })
}

// Release removes the leased container and frees the slot, unless the lease
// was already revoked; a replacement container is never touched.
func (l *Lease) Release(ctx context.Context) error {
	l.slot.mu.Lock()
	defer l.slot.mu.Unlock()

	if l.slot.current != l {
		return nil
	}
	l.slot.current = nil
	l.revoke()
	return l.Container.Remove(ctx)
}

type slot struct {
	mu      sync.Mutex
	current *Lease
}

// Leases serializes provisioning per container name and tracks which job
// currently owns each exploit container.
type Leases struct {
	runtime Runtime

	mu    sync.Mutex
	slots map[string]*slot
}

func NewLeases(rt Runtime) *Leases {
	return &Leases{
		runtime: rt,
		slots:   make(map[string]*slot),
	}
}

func (ls *Leases) slot(name string) *slot {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	s, ok := ls.slots[name]
	if !ok {
		s = &slot{}
		ls.slots[name] = s
	}
	return s
}

// Provision creates-or-replaces and starts the container described by spec
// and returns a fresh lease on it. A lease held on the same name is revoked
// once its container has been removed by the replacement; if creation fails
// before that point the previous holder keeps its lease.
func (ls *Leases) Provision(ctx context.Context, spec ContainerSpec) (*Lease, error) {
	if err := spec.Validate(); err != nil {
		return nil, &OpError{Container: spec.Name, Op: "validate", Err: err}
	}

	s := ls.slot(spec.Name)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	c, err := ls.runtime.CreateOrReplace(ctx, spec)
	if err != nil {
		if prev != nil && removedBefore(err) {
			s.evict(spec.Name)
		}
		return nil, err
	}
	if prev != nil {
		s.evict(spec.Name)
	}

	if err := c.Start(ctx); err != nil {
		if rmErr := c.Remove(context.WithoutCancel(ctx)); rmErr != nil {
			log.Warn().Err(rmErr).Str("container", spec.Name).Msg("failed to remove container after start failure")
		}
		return nil, err
	}

	lease := &Lease{
		Token:     uuid.New().String(),
		Container: c,
		slot:      s,
		revoked:   make(chan struct{}),
	}
	s.current = lease
	return lease, nil
}

// evict revokes the current lease. The caller holds s.mu.
func (s *slot) evict(name string) {
	log.Warn().
		Str("container", name).
		Str("token", s.current.Token).
		Msg("exploit container still leased by another job was replaced")
	s.current.revoke()
	s.current = nil
}

// removedBefore reports whether a failed CreateOrReplace had already removed
// the existing container. Runtimes remove it before the image and create steps.
func removedBefore(err error) bool {
	var opErr *OpError
	if !errors.As(err, &opErr) {
		return false
	}
	return opErr.Op == "image" || opErr.Op == "create"
}

// Holder returns the token of the lease currently held on name.
func (ls *Leases) Holder(name string) (string, bool) {
	s := ls.slot(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return "", false
	}
	return s.current.Token, true
}
