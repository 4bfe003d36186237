package eventstream

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeReader replays samples, then reports deadlines until closed.
type fakeReader struct {
	mu      sync.Mutex
	samples [][]byte
	closed  bool
}

func (r *fakeReader) ReadInto(rec *ringbuf.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ringbuf.ErrClosed
	}
	if len(r.samples) == 0 {
		time.Sleep(time.Millisecond)
		return os.ErrDeadlineExceeded
	}
	rec.RawSample = r.samples[0]
	r.samples = r.samples[1:]
	return nil
}

func (r *fakeReader) SetDeadline(time.Time) {}

func (r *fakeReader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

type recordingHandler struct {
	mu      sync.Mutex
	samples []string
	expires int
}

func (h *recordingHandler) HandleSample(raw []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, string(raw))
	if string(raw) == "bad" {
		return errors.New("bad sample")
	}
	return nil
}

func (h *recordingHandler) Expire(time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expires++
	return 0
}

func (h *recordingHandler) seen() ([]string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.samples...), h.expires
}

func TestStream_DispatchesUntilClosed(t *testing.T) {
	reader := &fakeReader{samples: [][]byte{[]byte("a"), []byte("bad"), []byte("c")}}
	handler := &recordingHandler{}
	s := New(reader, handler, zaptest.NewLogger(t), 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		samples, expires := handler.seen()
		return len(samples) == 3 && expires > 0
	}, time.Second, time.Millisecond)

	reader.Close()
	require.NoError(t, <-done)

	samples, _ := handler.seen()
	assert.Equal(t, []string{"a", "bad", "c"}, samples)
}

func TestStream_StopsOnCancel(t *testing.T) {
	reader := &fakeReader{}
	s := New(reader, &recordingHandler{}, zaptest.NewLogger(t), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
