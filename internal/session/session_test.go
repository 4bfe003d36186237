package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mrzor/aqmprobe/internal/channel"
	"github.com/mrzor/aqmprobe/internal/record"
	"github.com/mrzor/aqmprobe/internal/ring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type readResult struct {
	n   int
	err error
}

func newGate(t *testing.T) (*Gate, *channel.Channel, *ring.Ring) {
	t.Helper()
	r, err := ring.New(8, 4)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	ch := channel.New(r, 0, logger)
	return NewGate(r, ch, logger), ch, r
}

func startRead(s *Session, buf []byte) <-chan readResult {
	done := make(chan readResult, 1)
	go func() {
		n, err := s.Read(buf)
		done <- readResult{n, err}
	}()
	return done
}

func waitResult(t *testing.T, done <-chan readResult) readResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(time.Second):
		t.Fatal("read did not return")
		return readResult{}
	}
}

func waitBlocked(t *testing.T, ch *channel.Channel) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == channel.Blocked }, time.Second, time.Millisecond)
}

func TestOpen_SecondIsBusyAndEvictsReader(t *testing.T) {
	g, ch, _ := newGate(t)

	first, err := g.Open()
	require.NoError(t, err)
	defer first.Close()

	done := startRead(first, make([]byte, 4096))
	waitBlocked(t, ch)

	second, err := g.Open()
	require.ErrorIs(t, err, ErrBusy)
	assert.Nil(t, second)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Zero(t, res.n)
	assert.True(t, g.Active())
}

func TestOpen_ConcurrentSingleWinner(t *testing.T) {
	g, _, r := newGate(t)

	const openers = 8
	results := make(chan *Session, openers)
	var wg sync.WaitGroup
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := g.Open()
			if err != nil {
				assert.ErrorIs(t, err, ErrBusy)
				return
			}
			results <- s
		}()
	}
	wg.Wait()
	close(results)

	var winners []*Session
	for s := range results {
		winners = append(winners, s)
	}
	require.Len(t, winners, 1)
	defer winners[0].Close()

	_, err := g.Open()
	require.ErrorIs(t, err, ErrBusy)
	assert.True(t, r.Flushed(), "busy open after the winner is set up stays flushed")

	n, err := winners[0].Read(make([]byte, 4096))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpen_AfterCloseSucceeds(t *testing.T) {
	g, _, r := newGate(t)

	s, err := g.Open()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.False(t, g.Active())
	assert.True(t, r.Flushed())

	s2, err := g.Open()
	require.NoError(t, err)
	defer s2.Close()
	assert.False(t, r.Flushed(), "open clears the flush request")
	assert.NotEqual(t, s.ID(), s2.ID())
}

func TestClose_WakesLingeringRead(t *testing.T) {
	g, ch, _ := newGate(t)

	s, err := g.Open()
	require.NoError(t, err)

	done := startRead(s, make([]byte, 4096))
	waitBlocked(t, ch)

	require.NoError(t, s.Close())
	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Zero(t, res.n)

	require.NoError(t, s.Close(), "close is idempotent")
	_, err = s.Read(make([]byte, 64))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadContext_Cancelled(t *testing.T) {
	g, ch, _ := newGate(t)

	s, err := g.Open()
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan readResult, 1)
	go func() {
		n, err := s.ReadContext(ctx, make([]byte, 4096))
		done <- readResult{n, err}
	}()
	waitBlocked(t, ch)

	cancel()
	res := waitResult(t, done)
	assert.ErrorIs(t, res.err, context.Canceled)
}

func TestRead_DeliversRecords(t *testing.T) {
	g, _, r := newGate(t)

	s, err := g.Open()
	require.NoError(t, err)
	defer s.Close()

	h, err := r.Reserve()
	require.NoError(t, err)
	h.Record().QueueLength = 3
	h.Record().Dropped = true
	r.PublishReady(h)

	buf := make([]byte, record.HeaderSize)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, record.HeaderSize, n)

	var rec record.Record
	_, err = rec.Unmarshal(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(3), rec.QueueLength)
}

func TestShutdown_WaitsForClose(t *testing.T) {
	g, _, _ := newGate(t)

	s, err := g.Open()
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))
	assert.False(t, g.Active())

	_, err = g.Open()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShutdown_ContextExpires(t *testing.T) {
	g, _, _ := newGate(t)

	s, err := g.Open()
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Shutdown(ctx), context.DeadlineExceeded)
}
