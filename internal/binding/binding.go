// Package binding ties an intercepted call's entry and exit to a ring slot.
//
// Per invocation:
//
//	OnEnter ──┬── not admitted (too many in flight) ─────────────► missed
//	          ├── filtered out ───────────────────────────────────► (nothing bound)
//	          ├── ring full ──────────────────────────────────────► ring_full
//	          └── slot reserved, fields + snapshot captured
//	                   │
//	OnExit ────────────┼── dropped ──► PublishReady
//	                   ├── enqueued ─► PublishReleased
//	                   └── other ────► PublishReleased, ambiguous
//
// Nothing here blocks or returns an error to the intercepted call.
package binding

import (
	"sync/atomic"

	"github.com/mrzor/aqmprobe/internal/backpressure"
	"github.com/mrzor/aqmprobe/internal/filter"
	"github.com/mrzor/aqmprobe/internal/record"
	"github.com/mrzor/aqmprobe/internal/ring"

	"go.uber.org/zap"
)

// Unit is the packet handed to the intercepted enqueue call.
type Unit struct {
	Protocol uint8
	Packet   record.Packet
}

// Queue is a read-only view of the instrumented queue at entry time. Len is the
// queue length; Resident is how many of those packets At can describe, which may be
// fewer.
type Queue interface {
	Len() int
	Resident() int
	At(i int) record.Packet
}

// Outcome is the result of the intercepted call.
type Outcome int

const (
	Enqueued Outcome = iota
	Dropped
	Ambiguous
)

func (o Outcome) String() string {
	switch o {
	case Enqueued:
		return "enqueued"
	case Dropped:
		return "dropped"
	default:
		return "ambiguous"
	}
}

// Return codes of a qdisc enqueue function, after masking.
const (
	xmitMask    = 0x0f
	xmitSuccess = 0x00
	xmitDrop    = 0x01
)

// OutcomeFromReturn maps an enqueue function's return value to an Outcome.
func OutcomeFromReturn(ret int64) Outcome {
	switch ret & xmitMask {
	case xmitSuccess:
		return Enqueued
	case xmitDrop:
		return Dropped
	default:
		return Ambiguous
	}
}

// Invocation is the context carried from OnEnter to OnExit. It holds a slot reference
// only; the zero value binds nothing.
type Invocation struct {
	admitted bool
	handle   ring.Handle
}

// Bound reports whether a slot was reserved for the invocation.
func (inv Invocation) Bound() bool { return inv.handle.Valid() }

// Options configures a Binder.
type Options struct {
	// MaxActive bounds concurrently in-flight invocations.
	MaxActive int
	// QueueLimit is the expected capacity of the instrumented queue and the longest
	// snapshot captured.
	QueueLimit int
	// Snapshot enables capturing the queue contents on entry.
	Snapshot bool
	// SelfCorrect adopts an observed queue capacity that differs from QueueLimit.
	SelfCorrect bool
	Filter      *filter.Filter
	Logger      *zap.Logger
}

// Binder implements the producer side of the probe.
type Binder struct {
	ring   *ring.Ring
	drops  *backpressure.Counter
	filter *filter.Filter
	logger *zap.Logger
	opts   Options

	active atomic.Int64
	expect atomic.Uint32
	warned atomic.Uint32
}

// New creates a Binder writing into r and counting discards in drops.
func New(r *ring.Ring, drops *backpressure.Counter, opts Options) *Binder {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxActive < 1 {
		opts.MaxActive = 1
	}

	b := &Binder{
		ring:   r,
		drops:  drops,
		filter: opts.Filter,
		logger: logger,
		opts:   opts,
	}
	//nolint:gosec // QueueLimit is validated to [1-1000]
	b.expect.Store(uint32(opts.QueueLimit))
	b.warned.Store(uint32(opts.QueueLimit))
	return b
}

// OnEnter is called when the intercepted enqueue function is entered.
func (b *Binder) OnEnter(u Unit, q Queue) Invocation {
	if b.active.Add(1) > int64(b.opts.MaxActive) {
		b.active.Add(-1)
		b.drops.Inc(backpressure.Missed)
		return Invocation{}
	}
	inv := Invocation{admitted: true}

	qlen := 0
	if q != nil {
		qlen = q.Len()
	}

	if !b.filter.Match(filter.Env{
		Proto:    int(u.Protocol),
		SrcPort:  int(u.Packet.Source.Port),
		DstPort:  int(u.Packet.Destination.Port),
		Len:      int(u.Packet.Length),
		QueueLen: qlen,
	}) {
		return inv
	}

	h, err := b.ring.Reserve()
	if err != nil {
		b.drops.Inc(backpressure.RingFull)
		return inv
	}

	rec := h.Record()
	rec.Packet = u.Packet
	//nolint:gosec // queue lengths are far below 2^32
	rec.QueueLength = uint32(qlen)
	if b.opts.Snapshot && q != nil {
		n := min(q.Resident(), b.opts.QueueLimit)
		for i := 0; i < n; i++ {
			rec.Snapshot = append(rec.Snapshot, q.At(i))
		}
	}

	inv.handle = h
	return inv
}

// OnExit is called when the intercepted enqueue function returns.
func (b *Binder) OnExit(inv Invocation, out Outcome) {
	if !inv.admitted {
		return
	}
	defer b.active.Add(-1)

	if !inv.handle.Valid() {
		return
	}

	switch out {
	case Dropped:
		rec := inv.handle.Record()
		rec.Dropped = true
		b.checkDrift(rec.QueueLength)
		b.ring.PublishReady(inv.handle)
	case Enqueued:
		b.ring.PublishReleased(inv.handle)
	default:
		b.drops.Inc(backpressure.Ambiguous)
		b.logger.Debug("Releasing event with unrecognised call outcome",
			zap.Stringer("outcome", out),
			zap.Uint64("position", inv.handle.Position()),
		)
		b.ring.PublishReleased(inv.handle)
	}
}

// checkDrift compares the queue length seen on a drop with the expected capacity.
// Each distinct mismatching value is logged once.
func (b *Binder) checkDrift(qlen uint32) {
	expected := b.expect.Load()
	if qlen == expected {
		return
	}
	if b.warned.Swap(qlen) == qlen {
		return
	}

	b.logger.Warn("Queue length on drop differs from configured queue limit",
		zap.Uint32("queue_len", qlen),
		zap.Uint32("queue_limit", expected),
		zap.Bool("self_correct", b.opts.SelfCorrect),
	)
	if b.opts.SelfCorrect {
		b.expect.CompareAndSwap(expected, qlen)
	}
}

// ExpectedQueueLimit returns the queue capacity currently expected on drops.
func (b *Binder) ExpectedQueueLimit() uint32 { return b.expect.Load() }

// Active returns the number of invocations currently in flight.
func (b *Binder) Active() int { return int(b.active.Load()) }
