package server

import "github.com/Tyrowin/wh00t/internal/protocol"

// History is a bounded FIFO of broadcast envelopes. It is not safe for
// concurrent use; the hub serializes access.
type History struct {
	entries  []protocol.Envelope
	capacity int
}

// NewHistory returns an empty History holding up to capacity envelopes.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = HistorySize
	}
	return &History{
		entries:  make([]protocol.Envelope, 0, capacity),
		capacity: capacity,
	}
}

// Append adds env and reports whether the oldest entry was evicted.
func (h *History) Append(env protocol.Envelope) bool {
	evicted := false
	if len(h.entries) == h.capacity {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
		evicted = true
	}
	h.entries = append(h.entries, env)
	return evicted
}

// Snapshot returns the entries oldest first.
func (h *History) Snapshot() []protocol.Envelope {
	return append([]protocol.Envelope(nil), h.entries...)
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	return len(h.entries)
}
