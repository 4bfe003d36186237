// Package ring implements the bounded slot ring shared by many producers and one consumer.
//
// Slot lifecycle:
//
//	        Reserve                PublishReady
//	Free ───────────► Reserved ─────────────────► Ready ──┐
//	 ▲                   │                                │ DrainFunc / TryDrain
//	 │                   │ PublishReleased                │ (consumer)
//	 │                   ▼                                │
//	 └──────────────  Released ◄──────────────────────────┘
//	   consumer sweep               (Ready → Free)
//
// Producers claim slots with a compare-and-swap on tail and never block. The consumer is
// the only writer of head and of the Ready → Free and Released → Free transitions. One slot
// is always left unused so that tail-head distinguishes full from empty.
//
// Every status change that a waiting consumer might care about sends a non-blocking
// notification on a one-element channel; Flush raises a sticky signal that wakes the
// consumer until ClearFlush.
package ring
