// Package snapshot reassembles the queue contents the kernel streams after an entry
// record.
//
// An EnterEvent announces how many QueuedEvent records follow for its cookie:
//
//	EnterEvent (Queued=0) ─────────────────────────────► complete
//	EnterEvent (Queued=n) ──► pending ──► QueuedEvent … ─► complete on Final or n-th
//	                             │
//	                             └── exit record first ──► Take (partial queue)
//
// Packets are stored contiguously in arrival order; a gap in indexes is recorded as
// an issue, never left as a hole. A partial queue reports only the packets received.
package snapshot
