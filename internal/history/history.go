// Package history implements the bounded, newest-first event log kept per
// (pid, path) pair by the response engine.
package history

import "github.com/sentinelfs/sentinel/internal/event"

// DefaultCapacity is the history length used when a FileInfo is constructed
// without an explicit override.
const DefaultCapacity = 1024

// History is a fixed-capacity ring of event.Event, oldest entries evicted on
// overflow. It is not safe for concurrent use; the correlator confines every
// History to its single thread (see internal/response).
type History struct {
	buf   []event.Event
	next  int // index the next Append writes to
	count int // number of valid entries, <= cap(buf)
}

// New constructs an empty History with the given fixed capacity. It panics
// if capacity is not positive.
func New(capacity int) *History {
	if capacity <= 0 {
		panic("history: capacity must be positive")
	}
	return &History{buf: make([]event.Event, capacity)}
}

// Append pushes e as the newest entry, evicting the oldest entry if the
// history is already at capacity.
func (h *History) Append(e event.Event) {
	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// Len reports the number of entries currently held, never exceeding the
// configured capacity.
func (h *History) Len() int {
	return h.count
}

// Cap reports the fixed capacity History was constructed with.
func (h *History) Cap() int {
	return len(h.buf)
}

// At returns the event at logical offset i, where 0 is the newest entry and
// Len()-1 is the oldest. At is the basis for the matcher's newest-first
// traversal; it panics if i is out of [0, Len()) range.
func (h *History) At(i int) event.Event {
	if i < 0 || i >= h.count {
		panic("history: index out of range")
	}
	// h.next - 1 is the most recently written slot.
	idx := h.next - 1 - i
	idx %= len(h.buf)
	if idx < 0 {
		idx += len(h.buf)
	}
	return h.buf[idx]
}

// Reset empties the history in place without reallocating, for reuse when a
// FileInfo is recycled.
func (h *History) Reset() {
	h.next = 0
	h.count = 0
}
