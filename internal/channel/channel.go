// Package channel is the consumer side of the ring: it turns ready slots into whole
// encoded records in a caller's buffer, blocking while there is nothing to deliver.
//
//	        Read
//	Idle ─────────► Draining ──── buffer full / cadence ───► Idle
//	                 │    ▲
//	   ring empty,   │    │ woken with data
//	   room left     ▼    │
//	                Blocked ──── flush ──► Flushed ──► Idle
//	                   │
//	                   └──── ctx done ──► error
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/mrzor/aqmprobe/internal/record"
	"github.com/mrzor/aqmprobe/internal/ring"

	"go.uber.org/zap"
)

// State is the position of the consumer in its read cycle.
type State int32

const (
	Idle State = iota
	Draining
	Blocked
	Flushed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Blocked:
		return "blocked"
	case Flushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// Channel delivers records from a ring to a single reader.
type Channel struct {
	ring       *ring.Ring
	flushEvery int
	logger     *zap.Logger

	sinceFlush int
	state      atomic.Int32
	delivered  atomic.Uint64
}

// New creates a Channel over r. With flushEvery > 0 a read returns after every
// flushEvery delivered records, even if the buffer has room left.
func New(r *ring.Ring, flushEvery int, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		ring:       r,
		flushEvery: flushEvery,
		logger:     logger,
	}
}

// Read fills p with whole encoded records. It blocks while the ring is empty and p has
// room, until data arrives, the ring is flushed, or ctx is done. A flush returns what
// has been accumulated, possibly zero bytes, with a nil error.
// Read must not be called concurrently.
func (c *Channel) Read(ctx context.Context, p []byte) (int, error) {
	defer c.state.Store(int32(Idle))
	c.state.Store(int32(Draining))

	n := 0
	for {
		res, err := c.ring.DrainFunc(func(rec *record.Record) error {
			m, err := rec.MarshalTo(p[n:])
			if err != nil {
				return err
			}
			n += m
			return nil
		})

		switch {
		case errors.Is(err, record.ErrShortBuffer):
			if n == 0 {
				return 0, fmt.Errorf("buffer of %d bytes cannot hold the next record: %w", len(p), io.ErrShortBuffer)
			}
			return n, nil
		case err != nil:
			return n, fmt.Errorf("copying record: %w", err)
		}

		if res == ring.Drained {
			c.delivered.Add(1)
			c.sinceFlush++
			if c.flushEvery > 0 && c.sinceFlush >= c.flushEvery {
				c.sinceFlush = 0
				return n, nil
			}
			if len(p)-n < record.HeaderSize {
				return n, nil
			}
			continue
		}

		if c.ring.Flushed() {
			c.state.Store(int32(Flushed))
			c.logger.Debug("Read flushed", zap.Int("bytes", n))
			return n, nil
		}

		c.state.Store(int32(Blocked))
		select {
		case <-c.ring.Wake():
			c.state.Store(int32(Draining))
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}

// State returns the consumer's current state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Delivered returns the number of records handed to readers so far.
func (c *Channel) Delivered() uint64 { return c.delivered.Load() }
