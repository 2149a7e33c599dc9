package watchdog

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/steveyegge/overseer/internal/events"
)

// DefaultWindowSize is the number of recent event log entries kept for the
// advisory analyzer.
const DefaultWindowSize = 200

// ActivityWindow keeps a sliding window of recent event log entries and
// per-kind event counts for the current run of the watcher.
type ActivityWindow struct {
	mu sync.RWMutex

	// entries holds recent entries, oldest first (bounded by size)
	entries []events.ParsedLogEntry
	size    int

	counts       map[events.EventKind]int
	total        int
	lastActivity time.Time
}

// NewActivityWindow creates a window holding at most size entries.
func NewActivityWindow(size int) *ActivityWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &ActivityWindow{
		entries: make([]events.ParsedLogEntry, 0, size),
		size:    size,
		counts:  make(map[events.EventKind]int),
	}
}

// Record adds an entry, evicting the oldest when the window is full.
func (w *ActivityWindow) Record(e events.ParsedLogEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.entries) == w.size {
		copy(w.entries, w.entries[1:])
		w.entries = w.entries[:w.size-1]
	}
	w.entries = append(w.entries, e)
	w.counts[e.Event]++
	w.total++
	if e.Timestamp.After(w.lastActivity) {
		w.lastActivity = e.Timestamp
	}
}

// Recent returns up to n of the most recent entries, oldest first.
func (w *ActivityWindow) Recent(n int) []events.ParsedLogEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if n <= 0 || n > len(w.entries) {
		n = len(w.entries)
	}
	out := make([]events.ParsedLogEntry, n)
	copy(out, w.entries[len(w.entries)-n:])
	return out
}

// RecentLines renders the most recent entries back into event log lines.
func (w *ActivityWindow) RecentLines(n int) []string {
	entries := w.Recent(n)
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		lines = append(lines, string(data))
	}
	return lines
}

// Len returns the number of entries in the window
func (w *ActivityWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Total returns how many entries were recorded, including evicted ones.
func (w *ActivityWindow) Total() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.total
}

// Counts returns a copy of the per-kind event counts.
func (w *ActivityWindow) Counts() map[events.EventKind]int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make(map[events.EventKind]int, len(w.counts))
	for k, v := range w.counts {
		out[k] = v
	}
	return out
}

// LastActivity returns the newest entry timestamp seen, or zero.
func (w *ActivityWindow) LastActivity() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastActivity
}

// Clear removes all entries and counts
func (w *ActivityWindow) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = w.entries[:0]
	w.counts = make(map[events.EventKind]int)
	w.total = 0
	w.lastActivity = time.Time{}
}
