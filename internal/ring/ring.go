package ring

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/mrzor/aqmprobe/internal/record"
)

// ErrFull is returned by Reserve when every usable slot is outstanding.
var ErrFull = errors.New("ring: full")

// Status is the ownership state of a slot.
type Status uint32

const (
	Free Status = iota
	Reserved
	Ready
	Released
)

func (s Status) String() string {
	switch s {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Ready:
		return "ready"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Result is the outcome of a drain attempt.
type Result int

const (
	// Empty means head == tail.
	Empty Result = iota
	// NotReady means the slot at head is reserved but not yet published.
	NotReady
	// Drained means one record was handed to the consumer and its slot freed.
	Drained
)

type slot struct {
	status atomic.Uint32
	rec    record.Record
}

// Handle grants a producer exclusive write access to one reserved slot.
type Handle struct {
	s   *slot
	pos uint64
}

// Valid reports whether h refers to a reserved slot.
func (h Handle) Valid() bool { return h.s != nil }

// Record returns the slot's record for the producer to fill.
func (h Handle) Record() *record.Record { return &h.s.rec }

// Position returns the monotonic reservation index of the slot.
func (h Handle) Position() uint64 { return h.pos }

// Ring is a fixed-capacity multi-producer single-consumer ring of records.
type Ring struct {
	slots    []slot
	capacity uint64
	mask     uint64

	head atomic.Uint64
	tail atomic.Uint64

	wake    chan struct{}
	flushed atomic.Bool
}

// RoundUp returns the smallest power of two not below n.
func RoundUp(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// New allocates a ring of at least capacity slots, each able to hold a snapshot of
// maxSnapshot packets without further allocation.
func New(capacity, maxSnapshot int) (*Ring, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("ring capacity must be at least 2, got %d", capacity)
	}
	if maxSnapshot < 0 || maxSnapshot > record.MaxSnapshot {
		return nil, fmt.Errorf("snapshot length must be in [0-%d], got %d", record.MaxSnapshot, maxSnapshot)
	}

	size := RoundUp(capacity)
	r := &Ring{
		slots:    make([]slot, size),
		capacity: uint64(size),
		mask:     uint64(size - 1),
		wake:     make(chan struct{}, 1),
	}
	backing := make([]record.Packet, size*maxSnapshot)
	for i := range r.slots {
		r.slots[i].rec.Snapshot = backing[i*maxSnapshot : i*maxSnapshot : (i+1)*maxSnapshot]
	}
	return r, nil
}

// Capacity returns the number of slots, a power of two.
func (r *Ring) Capacity() int { return int(r.capacity) }

// Outstanding returns the number of reserved, ready or released slots not yet swept.
func (r *Ring) Outstanding() int {
	h := r.head.Load()
	return int(r.tail.Load() - h)
}

// Reserve claims the slot at tail. It never blocks; when the ring is full it wakes the
// consumer and returns ErrFull.
func (r *Ring) Reserve() (Handle, error) {
	for {
		// head before tail: head never passes tail, so t-h cannot underflow.
		h := r.head.Load()
		t := r.tail.Load()
		if t-h >= r.capacity-1 {
			r.notify()
			return Handle{}, ErrFull
		}
		if r.tail.CompareAndSwap(t, t+1) {
			s := &r.slots[t&r.mask]
			s.rec.Reset()
			s.status.Store(uint32(Reserved))
			return Handle{s: s, pos: t}, nil
		}
	}
}

// PublishReady hands a filled slot to the consumer.
func (r *Ring) PublishReady(h Handle) {
	h.s.status.Store(uint32(Ready))
	r.notify()
}

// PublishReleased gives a slot back without exposing its contents. The consumer reverts
// it to Free when head reaches it, so released capacity is only reclaimed while a
// reader drains.
func (r *Ring) PublishReleased(h Handle) {
	h.s.status.Store(uint32(Released))
	r.notify()
}

// DrainFunc hands the record at head to fn. Released slots at head are swept first.
// If fn returns an error the slot stays Ready, head is unchanged, and the error is
// returned with NotReady. fn must not retain the record.
// Only one goroutine may drain at a time.
func (r *Ring) DrainFunc(fn func(*record.Record) error) (Result, error) {
	for {
		h := r.head.Load()
		if h == r.tail.Load() {
			return Empty, nil
		}

		s := &r.slots[h&r.mask]
		switch Status(s.status.Load()) {
		case Released:
			s.status.Store(uint32(Free))
			r.head.Store(h + 1)
		case Ready:
			if err := fn(&s.rec); err != nil {
				return NotReady, err
			}
			s.status.Store(uint32(Free))
			r.head.Store(h + 1)
			return Drained, nil
		default:
			// Free here means the producer won the CAS but has not stored Reserved yet.
			return NotReady, nil
		}
	}
}

// TryDrain copies the record at head into dst.
func (r *Ring) TryDrain(dst *record.Record) Result {
	res, _ := r.DrainFunc(func(rec *record.Record) error {
		dst.CopyFrom(rec)
		return nil
	})
	return res
}

// Wake returns the channel signalled when a slot changes state or a flush is raised.
func (r *Ring) Wake() <-chan struct{} { return r.wake }

// Flush raises the flush signal and wakes the consumer. It stays raised until ClearFlush.
func (r *Ring) Flush() {
	r.flushed.Store(true)
	r.notify()
}

// ClearFlush lowers the flush signal.
func (r *Ring) ClearFlush() { r.flushed.Store(false) }

// Flushed reports whether the flush signal is raised.
func (r *Ring) Flushed() bool { return r.flushed.Load() }

func (r *Ring) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
