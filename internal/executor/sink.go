package executor

import (
	"context"
	"errors"

	"exploit-executor/internal/model"
)

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg model.OutputMessage) error

func (f SinkFunc) Send(ctx context.Context, msg model.OutputMessage) error {
	return f(ctx, msg)
}

// MultiSink fans each message out to every sink in order. A failing sink
// does not stop delivery to the others.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, msg model.OutputMessage) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
