package invocation

import (
	"sync"
	"time"

	"github.com/mrzor/aqmprobe/internal/binding"
)

type entry struct {
	inv     binding.Invocation
	started time.Time
}

// Table maps cookies to in-flight invocations.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]entry
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[uint64]entry),
	}
}

// Put stores inv under cookie. If the cookie was still present its exit was lost; the
// stale invocation is returned so the caller can complete it.
func (t *Table) Put(cookie uint64, inv binding.Invocation, now time.Time) (binding.Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.entries[cookie]
	t.entries[cookie] = entry{inv: inv, started: now}
	return old.inv, ok
}

// Take removes and returns the invocation stored under cookie.
func (t *Table) Take(cookie uint64) (binding.Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[cookie]
	if ok {
		delete(t.entries, cookie)
	}
	return e.inv, ok
}

// Expire removes and returns every invocation started before cutoff.
func (t *Table) Expire(cutoff time.Time) []binding.Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []binding.Invocation
	for cookie, e := range t.entries {
		if e.started.Before(cutoff) {
			out = append(out, e.inv)
			delete(t.entries, cookie)
		}
	}
	return out
}

// Drain removes and returns every invocation.
func (t *Table) Drain() []binding.Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]binding.Invocation, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.inv)
	}
	clear(t.entries)
	return out
}

// Len returns the number of in-flight invocations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
