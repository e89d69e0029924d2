package worker

import (
	"fmt"
	"sync"
	"time"
)

// RingCapacity bounds the progress message history kept for the UI.
const RingCapacity = 500

// Ring retains the most recent human-readable progress messages. The
// worker appends; the UI reads. Entries are immutable strings, so a
// reader racing an append sees either the old or the new slice contents
// and never a torn message.
type Ring struct {
	mu    sync.Mutex
	items []string
}

// NewRing creates an empty ring.
func NewRing() *Ring {
	return &Ring{}
}

// Add appends a timestamped message, evicting the oldest past capacity.
func (r *Ring) Add(format string, args ...any) {
	msg := time.Now().Format("2006-01-02 15:04:05") + " " + fmt.Sprintf(format, args...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, msg)
	if len(r.items) > RingCapacity {
		r.items = r.items[len(r.items)-RingCapacity:]
	}
}

// Recent returns the retained messages, newest last.
func (r *Ring) Recent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.items))
	copy(out, r.items)
	return out
}
