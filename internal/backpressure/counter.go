// Package backpressure counts events the probe discarded without delivering them.
package backpressure

import "sync/atomic"

// Reason classifies a discarded event.
type Reason int

const (
	// RingFull: no slot could be reserved.
	RingFull Reason = iota
	// Missed: more invocations were in flight than the probe admits.
	Missed
	// Ambiguous: the intercepted call returned an unrecognised code.
	Ambiguous

	numReasons
)

func (r Reason) String() string {
	switch r {
	case RingFull:
		return "ring_full"
	case Missed:
		return "missed"
	case Ambiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Counter is a set of monotonically increasing drop counts, safe for concurrent use.
// The zero value is ready to use.
type Counter struct {
	counts [numReasons]atomic.Uint64
}

// Inc records one discarded event.
func (c *Counter) Inc(r Reason) {
	c.counts[r].Add(1)
}

// Load returns the count for one reason.
func (c *Counter) Load(r Reason) uint64 {
	return c.counts[r].Load()
}

// Total returns the sum over all reasons.
func (c *Counter) Total() uint64 {
	var sum uint64
	for i := range c.counts {
		sum += c.counts[i].Load()
	}
	return sum
}

// Snapshot returns the per-reason counts.
func (c *Counter) Snapshot() map[Reason]uint64 {
	out := make(map[Reason]uint64, numReasons)
	for i := range c.counts {
		out[Reason(i)] = c.counts[i].Load()
	}
	return out
}

// Reset zeroes every count and returns the total that was discarded before the reset.
// Increments racing with Reset land either before or after it, never nowhere.
func (c *Counter) Reset() uint64 {
	var sum uint64
	for i := range c.counts {
		sum += c.counts[i].Swap(0)
	}
	return sum
}
