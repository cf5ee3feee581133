// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"exploit-executor/internal/sandbox"
)

var ErrRemoved = errors.New("container removed")

// Step is one result returned by a scripted stream.
type Step struct {
	Chunk sandbox.Chunk
	Err   error
}

func Stdout(s string) Step { return Step{Chunk: sandbox.Chunk{Stdout: true, Data: []byte(s)}} }
func Stderr(s string) Step { return Step{Chunk: sandbox.Chunk{Stdout: false, Data: []byte(s)}} }
func Fail(err error) Step  { return Step{Err: err} }

// Stream replays steps, then ends with io.EOF or, when Block is set, waits
// for the context to end.
type Stream struct {
	Steps []Step
	Block bool

	mu     sync.Mutex
	i      int
	Closed bool
}

func (s *Stream) Next(ctx context.Context) (sandbox.Chunk, error) {
	s.mu.Lock()
	if s.i < len(s.Steps) {
		step := s.Steps[s.i]
		s.i++
		s.mu.Unlock()
		return step.Chunk, step.Err
	}
	s.mu.Unlock()

	if s.Block {
		<-ctx.Done()
		return sandbox.Chunk{}, context.Cause(ctx)
	}
	return sandbox.Chunk{}, io.EOF
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.Closed = true
	s.mu.Unlock()
	return nil
}

// Runtime records every call and runs ExecFunc for each exec.
type Runtime struct {
	CreateErr error
	StartErr  error
	ExecFunc  func(ctx context.Context, spec sandbox.ExecSpec) (sandbox.Stream, error)

	mu       sync.Mutex
	seq      int
	Specs    []sandbox.ContainerSpec
	Execs    []sandbox.ExecSpec
	live     map[string]*Container
	Replaced []string
	Removed  []string
}

func NewRuntime() *Runtime {
	return &Runtime{live: make(map[string]*Container)}
}

func (r *Runtime) CreateOrReplace(_ context.Context, spec sandbox.ContainerSpec) (sandbox.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Specs = append(r.Specs, spec)
	if r.CreateErr != nil {
		return nil, r.CreateErr
	}
	if prev, ok := r.live[spec.Name]; ok {
		prev.removed = true
		r.Replaced = append(r.Replaced, prev.id)
	}

	r.seq++
	c := &Container{rt: r, id: fmt.Sprintf("c%d", r.seq), name: spec.Name}
	r.live[spec.Name] = c
	return c, nil
}

func (r *Runtime) CleanupOrphaned(_ context.Context, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for name, c := range r.live {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			c.removed = true
			delete(r.live, name)
			n++
		}
	}
	return n, nil
}

func (r *Runtime) Close() error { return nil }

// Live returns the container currently registered under name.
func (r *Runtime) Live(name string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.live[name]
	return c, ok
}

// ExecCount returns the number of exec calls so far.
func (r *Runtime) ExecCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Execs)
}

type Container struct {
	rt      *Runtime
	id      string
	name    string
	started bool
	removed bool
}

func (c *Container) ID() string   { return c.id }
func (c *Container) Name() string { return c.name }

func (c *Container) Started() bool {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()
	return c.started
}

func (c *Container) IsRemoved() bool {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()
	return c.removed
}

func (c *Container) Start(context.Context) error {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()
	if c.rt.StartErr != nil {
		return c.rt.StartErr
	}
	c.started = true
	return nil
}

func (c *Container) Exec(ctx context.Context, spec sandbox.ExecSpec) (sandbox.Stream, error) {
	c.rt.mu.Lock()
	c.rt.Execs = append(c.rt.Execs, spec)
	removed := c.removed
	fn := c.rt.ExecFunc
	c.rt.mu.Unlock()

	if removed {
		return nil, ErrRemoved
	}
	if fn == nil {
		return &Stream{}, nil
	}
	return fn(ctx, spec)
}

func (c *Container) Remove(context.Context) error {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()
	c.removed = true
	if cur, ok := c.rt.live[c.name]; ok && cur == c {
		delete(c.rt.live, c.name)
	}
	c.rt.Removed = append(c.rt.Removed, c.id)
	return nil
}
