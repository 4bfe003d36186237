package snapshot

import (
	"fmt"
	"time"

	"github.com/mrzor/aqmprobe/internal/binding"
	"github.com/mrzor/aqmprobe/internal/bpf"
	"github.com/mrzor/aqmprobe/internal/record"
)

// Queue is the reassembled queue view handed to the binding. Length is the queue
// length the kernel observed; Packets may hold fewer entries.
type Queue struct {
	Length  int
	Packets []record.Packet
}

// Len implements binding.Queue.
func (q *Queue) Len() int { return q.Length }

// Resident implements binding.Queue. It counts the queued packets actually received.
func (q *Queue) Resident() int { return len(q.Packets) }

// At implements binding.Queue.
func (q *Queue) At(i int) record.Packet {
	if i < 0 || i >= len(q.Packets) {
		return record.Packet{}
	}
	return q.Packets[i]
}

// Pending is an entry record and the queued packets received for it so far.
type Pending struct {
	Cookie uint64
	Unit   binding.Unit
	Queue  Queue
	Want   int
	Issues []string

	started time.Time
}

// Reassembler collects queued records per cookie. It is not safe for concurrent use.
type Reassembler struct {
	pending map[uint64]*Pending
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		pending: make(map[uint64]*Pending),
	}
}

// Begin starts reassembly for an entry record. It returns the entry at once when no
// queued records follow. stale reports that an unfinished entry with the same cookie
// was discarded.
func (r *Reassembler) Begin(ev *bpf.EnterEvent, now time.Time) (done *Pending, stale bool) {
	_, stale = r.pending[ev.Cookie]
	delete(r.pending, ev.Cookie)

	p := &Pending{
		Cookie: ev.Cookie,
		Unit: binding.Unit{
			Protocol: ev.Protocol,
			Packet:   ev.Flow.Packet(ev.Length),
		},
		Queue: Queue{
			Length: int(ev.QueueLen),
		},
		Want:    int(ev.Queued),
		started: now,
	}
	if p.Want == 0 {
		return p, stale
	}

	p.Queue.Packets = make([]record.Packet, 0, p.Want)
	r.pending[ev.Cookie] = p
	return nil, stale
}

// Add appends a queued record. It returns the entry once its final record arrives.
func (r *Reassembler) Add(ev *bpf.QueuedEvent) (*Pending, error) {
	p, ok := r.pending[ev.Cookie]
	if !ok {
		return nil, fmt.Errorf("queued record for unknown cookie %#x", ev.Cookie)
	}

	if int(ev.Index) != len(p.Queue.Packets) {
		p.Issues = append(p.Issues, fmt.Sprintf("queued record %d arrived at position %d", ev.Index, len(p.Queue.Packets)))
	}
	p.Queue.Packets = append(p.Queue.Packets, ev.Flow.Packet(ev.Length))

	if ev.Final == 0 && len(p.Queue.Packets) < p.Want {
		return nil, nil
	}
	delete(r.pending, ev.Cookie)
	return p, nil
}

// Take removes an unfinished entry, for when its exit record arrives first.
func (r *Reassembler) Take(cookie uint64) (*Pending, bool) {
	p, ok := r.pending[cookie]
	if !ok {
		return nil, false
	}
	delete(r.pending, cookie)
	p.Issues = append(p.Issues, fmt.Sprintf("exit before queue complete (%d of %d)", len(p.Queue.Packets), p.Want))
	return p, true
}

// Expire removes entries begun before cutoff.
func (r *Reassembler) Expire(cutoff time.Time) []*Pending {
	var out []*Pending
	for cookie, p := range r.pending {
		if p.started.Before(cutoff) {
			out = append(out, p)
			delete(r.pending, cookie)
		}
	}
	return out
}

// Len returns the number of unfinished entries.
func (r *Reassembler) Len() int { return len(r.pending) }
