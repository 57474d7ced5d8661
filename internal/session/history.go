package session

import (
	"strings"
	"sync"
	"time"
)

// Entry is one dialogue turn kept in memory.
type Entry struct {
	Content   string         `json:"content"`
	Speaker   string         `json:"speaker"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// History is a bounded dialogue memory. Appends beyond the maximum evict the
// oldest entry. It has two writers (the transcript consumer and the answer
// agent) and snapshot readers, so all access goes through one mutex.
type History struct {
	mu      sync.Mutex
	max     int
	entries []Entry
}

// NewHistory returns a History keeping at most max entries.
func NewHistory(max int) *History {
	if max < 1 {
		max = 1
	}
	return &History{max: max}
}

// Append adds an entry, evicting the oldest when full. Blank content is
// ignored.
func (h *History) Append(e Entry) {
	e.Content = strings.TrimSpace(e.Content)
	if e.Content == "" {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
}

// Snapshot returns a copy of the most recent limit entries, oldest first.
// limit <= 0 returns everything retained.
func (h *History) Snapshot(limit int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Clear drops all entries.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}
