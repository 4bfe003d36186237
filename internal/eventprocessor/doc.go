// Package eventprocessor routes kernel records to the producer binding.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│      eBPF Ring Buffer Samples           │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │  ← Record routing
//	│   - Routes by record type               │
//	│   - Pairs entry and exit by cookie      │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ EnterEvent ───→ snapshot.Reassembler
//	          ├──→ QueuedEvent ──→ snapshot.Reassembler
//	          │                    - Collects the queue view
//	          │
//	          ├──→ complete ─────→ Sink.OnEnter
//	          │    entry           - invocation.Table stores the result
//	          │
//	          └──→ ExitEvent ────→ Sink.OnExit
//	                               - Outcome from the return value
//
// Invocations whose exit record never arrives are completed as ambiguous by Expire,
// so their slots are released and the reader is not held up.
package eventprocessor
