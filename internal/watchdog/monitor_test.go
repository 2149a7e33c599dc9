package watchdog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/overseer/internal/events"
)

func entryAt(ts time.Time, cmd string, kind events.EventKind) events.ParsedLogEntry {
	return events.ParsedLogEntry{Timestamp: ts, Cmd: cmd, Event: kind}
}

func TestActivityWindowEvictsOldest(t *testing.T) {
	w := NewActivityWindow(3)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 5; i++ {
		w.Record(entryAt(base.Add(time.Duration(i)*time.Second), "build", events.EventMilestone))
	}

	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 5, w.Total())
	recent := w.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, base.Add(2*time.Second), recent[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Second), recent[2].Timestamp)
	assert.Equal(t, base.Add(4*time.Second), w.LastActivity())
}

func TestActivityWindowRecent(t *testing.T) {
	w := NewActivityWindow(10)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w.Record(entryAt(base, "plan", events.EventStart))
	w.Record(entryAt(base.Add(time.Second), "plan", events.EventComplete))
	w.Record(entryAt(base.Add(2*time.Second), "build", events.EventStart))

	tests := []struct {
		n    int
		want []string
	}{
		{1, []string{"build"}},
		{2, []string{"plan", "build"}},
		{10, []string{"plan", "plan", "build"}},
		{0, []string{"plan", "plan", "build"}},
	}
	for _, tt := range tests {
		var got []string
		for _, e := range w.Recent(tt.n) {
			got = append(got, e.Cmd)
		}
		assert.Equal(t, tt.want, got, "n=%d", tt.n)
	}
}

func TestActivityWindowRecentLinesRoundTrip(t *testing.T) {
	w := NewActivityWindow(5)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w.Record(events.ParsedLogEntry{
		Timestamp: ts,
		Cmd:       "build",
		Phase:     "RED",
		Event:     events.EventMilestone,
		Data:      map[string]any{"name": "test written"},
	})

	lines := w.RecentLines(0)
	require.Len(t, lines, 1)
	parsed, err := events.ParseLine([]byte(lines[0]))
	require.NoError(t, err)
	assert.Equal(t, "build", parsed.Cmd)
	assert.Equal(t, "RED", parsed.Phase)
	assert.Equal(t, "test written", parsed.MilestoneName())
	assert.True(t, ts.Equal(parsed.Timestamp))

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &raw))
	assert.NotContains(t, raw, "Offset")
}

func TestActivityWindowCountsAndClear(t *testing.T) {
	w := NewActivityWindow(0)
	now := time.Now()
	w.Record(entryAt(now, "build", events.EventMilestone))
	w.Record(entryAt(now, "build", events.EventMilestone))
	w.Record(entryAt(now, "build", events.EventFailed))

	counts := w.Counts()
	assert.Equal(t, 2, counts[events.EventMilestone])
	assert.Equal(t, 1, counts[events.EventFailed])

	counts[events.EventFailed] = 99
	assert.Equal(t, 1, w.Counts()[events.EventFailed], "Counts returns a copy")

	w.Clear()
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, 0, w.Total())
	assert.Empty(t, w.Counts())
	assert.True(t, w.LastActivity().IsZero())
}
