package sandbox

import (
	"context"
	"io"
	"sync"
)

// Chunk is one piece of process output as delivered by the runtime.
type Chunk struct {
	Stdout bool
	Data   []byte
}

// Stream is a finite, non-restartable sequence of output chunks. Next returns
// io.EOF after the process ended normally; any other error is a runtime fault.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// chunkStream adapts writer-based runtime output (stdcopy, cio) into a Stream.
// Every Write becomes exactly one chunk.
type chunkStream struct {
	chunks  chan Chunk
	stop    chan struct{}
	err     error
	closeFn func() error

	finishOnce sync.Once
	closeOnce  sync.Once
}

func newChunkStream(closeFn func() error) *chunkStream {
	return &chunkStream{
		chunks:  make(chan Chunk),
		stop:    make(chan struct{}),
		closeFn: closeFn,
	}
}

// writer returns an io.Writer feeding the given stream kind.
func (s *chunkStream) writer(stdout bool) io.Writer {
	return chunkWriter{s: s, stdout: stdout}
}

// finish ends the sequence. It must be called once every writer is done.
func (s *chunkStream) finish(err error) {
	s.finishOnce.Do(func() {
		s.err = err
		close(s.chunks)
	})
}

func (s *chunkStream) Next(ctx context.Context) (Chunk, error) {
	select {
	case c, ok := <-s.chunks:
		if !ok {
			if s.err != nil {
				return Chunk{}, s.err
			}
			return Chunk{}, io.EOF
		}
		return c, nil
	case <-s.stop:
		return Chunk{}, ErrStreamClosed
	case <-ctx.Done():
		return Chunk{}, context.Cause(ctx)
	}
}

func (s *chunkStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.closeFn != nil {
			err = s.closeFn()
		}
	})
	return err
}

type chunkWriter struct {
	s      *chunkStream
	stdout bool
}

func (w chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)

	select {
	case w.s.chunks <- Chunk{Stdout: w.stdout, Data: data}:
		return len(p), nil
	case <-w.s.stop:
		return 0, io.ErrClosedPipe
	}
}
