// Package eventstream reads samples from the kernel ring buffer and hands them to a
// handler.
package eventstream

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"
)

// Reader is the part of *ringbuf.Reader the stream uses.
type Reader interface {
	ReadInto(rec *ringbuf.Record) error
	SetDeadline(t time.Time)
}

// Handler consumes samples. Expire is called about once per tick.
type Handler interface {
	HandleSample(raw []byte) error
	Expire(now time.Time) int
}

// Stream reads samples from a ring buffer and dispatches them to a handler.
type Stream struct {
	reader  Reader
	handler Handler
	logger  *zap.Logger
	tick    time.Duration
}

// New creates a Stream. tick bounds how long Run takes to notice cancellation and how
// often the handler expires stale state.
func New(reader Reader, handler Handler, logger *zap.Logger, tick time.Duration) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		reader:  reader,
		handler: handler,
		logger:  logger,
		tick:    tick,
	}
}

// Run processes samples until ctx is done or the reader is closed.
func (s *Stream) Run(ctx context.Context) error {
	var rec ringbuf.Record
	lastExpire := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		now := time.Now()
		if now.Sub(lastExpire) >= s.tick {
			if n := s.handler.Expire(now); n > 0 {
				s.logger.Warn("Completed invocations without exit record", zap.Int("count", n))
			}
			lastExpire = now
		}

		s.reader.SetDeadline(now.Add(s.tick))
		err := s.reader.ReadInto(&rec)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			continue
		case errors.Is(err, ringbuf.ErrClosed):
			return nil
		default:
			s.logger.Error("Reading from ring buffer", zap.Error(err))
			continue
		}

		if err := s.handler.HandleSample(rec.RawSample); err != nil {
			s.logger.Debug("Handling sample", zap.Error(err))
		}
	}
}
