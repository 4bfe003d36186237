// Package server exposes the probe's byte stream on a listener.
//
// Each connection is one reader session. The server writes whole records as they are
// read and closes the connection when a read returns no data. A session read only
// comes back empty when it was flushed by eviction, detach or the client leaving, so
// for a socket client an empty read ends the stream instead of meaning "try again".
// A connection arriving while another session is active is closed at once; the active
// session is flushed so its client is disconnected too.
package server

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/mrzor/aqmprobe/internal/record"
	"github.com/mrzor/aqmprobe/internal/session"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Opener starts reader sessions. probe.Probe implements it.
type Opener interface {
	Open() (*session.Session, error)
}

// Server serves reader sessions.
type Server struct {
	opener  Opener
	logger  *zap.Logger
	bufSize int
}

// New creates a Server. Reads use buffers of bufSize bytes, which must hold the largest
// record the probe can produce.
func New(opener Opener, logger *zap.Logger, bufSize int) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		opener:  opener,
		logger:  logger,
		bufSize: max(bufSize, record.HeaderSize),
	}
}

// Serve accepts connections on ln until ctx is done, then closes ln and waits for the
// connection handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close() //nolint:errcheck // Unblocks Accept
	})
	defer stop()

	var err error
	for {
		var conn net.Conn
		conn, err = ln.Accept()
		if err != nil {
			break
		}
		g.Go(func() error {
			s.handle(ctx, conn)
			return nil
		})
	}

	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return errors.Join(err, g.Wait())
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))

	sess, err := s.opener.Open()
	if errors.Is(err, session.ErrBusy) {
		logger.Info("Refusing connection, another session is active")
		return
	}
	if err != nil {
		logger.Warn("Cannot open session", zap.Error(err))
		return
	}
	defer sess.Close()

	// The client never writes; EOF or an error means it went away.
	go func() {
		_, _ = io.Copy(io.Discard, conn) //nolint:errcheck // Any outcome ends the session
		_ = sess.Close()                 //nolint:errcheck // Close never fails
	}()

	buf := make([]byte, s.bufSize)
	var sent int
	for {
		n, err := sess.ReadContext(ctx, buf)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, session.ErrClosed) {
				logger.Warn("Reading session", zap.Error(err))
			}
			break
		}
		if n == 0 {
			break
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			logger.Debug("Writing to client", zap.Error(err))
			break
		}
		sent += n
	}

	logger.Info("Session ended", zap.Uint64("session", sess.ID()), zap.Int("bytes", sent))
}
