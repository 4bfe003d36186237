// Package session enforces a single active reader over the consumer channel.
//
// Opening while a session is active fails with ErrBusy and flushes the ring, so the
// active reader's blocked read returns and its owner can close it. Closing a session
// flushes as well, waking any read still lingering from it.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrzor/aqmprobe/internal/channel"
	"github.com/mrzor/aqmprobe/internal/ring"

	"go.uber.org/zap"
)

var (
	// ErrBusy is returned by Open while another session is active.
	ErrBusy = errors.New("session: busy")
	// ErrClosed is returned by operations on a closed session or a shut down gate.
	ErrClosed = errors.New("session: closed")
)

// Gate hands out at most one Session at a time.
type Gate struct {
	ring   *ring.Ring
	ch     *channel.Channel
	logger *zap.Logger

	active   atomic.Bool
	shutdown atomic.Bool
	seq      atomic.Uint64
	// readMu keeps a read lingering from an evicted session from overlapping with the
	// next session's reads.
	readMu sync.Mutex
}

// NewGate creates a Gate over the ring r and its consumer channel ch.
func NewGate(r *ring.Ring, ch *channel.Channel, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		ring:   r,
		ch:     ch,
		logger: logger,
	}
}

// Open starts a session. While another session is active it flushes that session's
// reader and returns ErrBusy.
func (g *Gate) Open() (*Session, error) {
	if !g.active.CompareAndSwap(false, true) {
		g.logger.Info("Forcing flush of busy session")
		g.ring.Flush()
		return nil, ErrBusy
	}
	if g.shutdown.Load() {
		g.active.Store(false)
		return nil, ErrClosed
	}

	// A busy open racing this one may flush before the clear below. The new session has
	// no read in progress yet, so losing that flush wakes nobody it was meant for.
	g.ring.ClearFlush()

	s := &Session{
		gate: g,
		id:   g.seq.Add(1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	g.logger.Info("Session opened", zap.Uint64("session", s.id))
	return s, nil
}

// Active reports whether a session is open.
func (g *Gate) Active() bool { return g.active.Load() }

// Shutdown refuses new sessions and flushes until the active one, if any, is closed.
func (g *Gate) Shutdown(ctx context.Context) error {
	g.shutdown.Store(true)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		g.ring.Flush()
		if !g.active.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Session is one open-to-close cycle of the reader. It implements io.ReadCloser.
type Session struct {
	gate   *Gate
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// ID returns the session's sequence number.
func (s *Session) ID() uint64 { return s.id }

// Read fills p with whole records. See ReadContext.
func (s *Session) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext blocks until p holds at least one record and no further record fits, or
// the ring is flushed. Zero bytes with a nil error means no more data right now.
// Cancellation of ctx is returned as an error; closing the session is not.
func (s *Session) ReadContext(ctx context.Context, p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.gate.readMu.Lock()
	defer s.gate.readMu.Unlock()

	n, err := s.gate.ch.Read(ctx, p)
	if err != nil && s.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return n, nil
	}
	return n, err
}

// Close ends the session and releases the gate. It is idempotent.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.gate.ring.Flush()
	s.cancel()
	s.gate.active.Store(false)

	s.gate.logger.Info("Session closed", zap.Uint64("session", s.id))
	return nil
}
